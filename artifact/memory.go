package artifact

import (
	"sync"

	"github.com/google/uuid"
)

// Memory keeps blobs in a process-local map.
type Memory struct {
	mu    sync.Mutex
	blobs map[string]any
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]any)}
}

// Put stores value under a fresh handle.
func (m *Memory) Put(value any) (Ref, error) {
	key := uuid.New().String()
	m.mu.Lock()
	m.blobs[key] = value
	m.mu.Unlock()
	return Ref{Key: key}, nil
}

// Get returns the value for ref.
func (m *Memory) Get(ref Ref) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[ref.Key]
	if !ok {
		return nil, &Error{Op: "get", Err: errUnknownRef(ref)}
	}
	return v, nil
}

// Delete removes the blob for ref; deleting an unknown ref is a no-op.
func (m *Memory) Delete(ref Ref) error {
	m.mu.Lock()
	delete(m.blobs, ref.Key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
