// Package storage provides the best-effort persistent key-value capability
// used by the fetch cache for reload survival. Write failures are expected
// and degrade the cache to in-memory-only operation.
package storage

import "errors"

// ErrCapacityExceeded is returned by Save when the value does not fit the
// store's budget. Callers react by shrinking and retrying once.
var ErrCapacityExceeded = errors.New("storage: capacity exceeded")

// Store is a fallible key-value store. Implementations are best-effort:
// a failed Save must leave the store usable.
type Store interface {
	Save(key string, data []byte) error
	Load(key string) ([]byte, bool, error)
	Delete(key string) error
	Close() error
}
