package serializer

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("serializer: state not found")

// StateStore persists one opaque state blob per conversation. Load returns
// ErrNotFound for a conversation that has no state yet.
type StateStore interface {
	Load(ctx context.Context, conversationID string) ([]byte, error)
	Save(ctx context.Context, conversationID string, state []byte) error
	Delete(ctx context.Context, conversationID string) error
}

// MemoryStore is a process-local StateStore.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

func (m *MemoryStore) Load(_ context.Context, conversationID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s...), nil
}

func (m *MemoryStore) Save(_ context.Context, conversationID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[conversationID] = append([]byte(nil), state...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, conversationID)
	return nil
}
