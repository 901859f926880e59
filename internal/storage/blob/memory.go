package blob

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore keeps blobs in memory. Failures can be injected for tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	// FailPut and FailDelete, when set, are returned by every call until cleared.
	FailPut    error
	FailDelete error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put stores a copy of data.
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return "", m.FailPut
	}
	m.blobs[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDelete != nil {
		return m.FailDelete
	}
	delete(m.blobs, key)
	return nil
}

// Get returns the stored bytes.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}

// ErrInjected is a convenience error for FailPut and FailDelete.
var ErrInjected = errors.New("injected blob failure")
