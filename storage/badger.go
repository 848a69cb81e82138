package storage

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists snapshots in an embedded BadgerDB instance.
type BadgerStore struct {
	db     *badger.DB
	maxLen int64
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// Path is the directory for database files. Ignored when InMemory is set.
	Path string
	// InMemory disables disk persistence. Useful for testing.
	InMemory bool
	// MaxValueLen bounds a single snapshot; larger Saves fail with
	// ErrCapacityExceeded. Zero means no bound.
	MaxValueLen int64
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path).WithLogger(nil)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Path, err)
	}
	return &BadgerStore{db: db, maxLen: opts.MaxValueLen}, nil
}

func (s *BadgerStore) Save(key string, data []byte) error {
	if s.maxLen > 0 && int64(len(data)) > s.maxLen {
		return ErrCapacityExceeded
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return ErrCapacityExceeded
		}
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Load(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %q: %w", key, err)
	}
	return out, true, nil
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
