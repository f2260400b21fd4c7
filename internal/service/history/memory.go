package history

import (
	"context"
	"sync"
	"time"

	"github.com/zhouzirui/tavern-stage/internal/model/chat"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]chat.Session)}
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context, session chat.Session) error {
	if session.ID == "" {
		return ErrSessionNotFound
	}
	stored := session.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = stored
	return nil
}

// Restore implements Store.
func (s *MemoryStore) Restore(_ context.Context, id string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
