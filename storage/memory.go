package storage

import "sync"

// MemoryStore is an in-process Store for tests and for deployments that opt
// out of persistence. A MaxValueLen of zero means unbounded.
type MemoryStore struct {
	mu          sync.Mutex
	data        map[string][]byte
	MaxValueLen int64
	// FailSaves forces every Save to fail with ErrCapacityExceeded.
	// Tests use it to exercise the emergency-shrink path.
	FailSaves bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (s *MemoryStore) Save(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSaves {
		return ErrCapacityExceeded
	}
	if s.MaxValueLen > 0 && int64(len(data)) > s.MaxValueLen {
		return ErrCapacityExceeded
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.data[key] = cp
	return nil
}

func (s *MemoryStore) Load(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(d))
	copy(cp, d)
	return cp, true, nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
