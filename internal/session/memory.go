package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. State is lost on
// restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*State
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*State)}
}

// Load implements [Store].
func (m *MemoryStore) Load(_ context.Context, threadID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.sessions[threadID]; ok {
		return st.Clone(), nil
	}
	return &State{ThreadID: threadID}, nil
}

// Save implements [Store].
func (m *MemoryStore) Save(_ context.Context, st *State) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored int64
	existing, ok := m.sessions[st.ThreadID]
	if ok {
		stored = existing.Version
	}
	if stored != st.Version {
		return nil, conflict(st.ThreadID, st.Version)
	}

	now := time.Now().UTC()
	saved := st.Clone()
	saved.Version++
	saved.UpdatedAt = now
	if ok {
		saved.CreatedAt = existing.CreatedAt
	} else {
		saved.CreatedAt = now
	}
	m.sessions[st.ThreadID] = saved
	return saved.Clone(), nil
}

// Close implements [Store].
func (m *MemoryStore) Close() error { return nil }
