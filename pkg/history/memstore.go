package history

import (
	"context"
	"sync"
)

// Compile-time assertion that MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store. It is the default when no database is
// configured; history then lives only as long as the process.
type MemStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{turns: make(map[string][]Turn)}
}

// AppendTurn implements [Store].
func (s *MemStore) AppendTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return nil
}

// Turns implements [Store]. The returned slice is a copy.
func (s *MemStore) Turns(_ context.Context, sessionID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.turns[sessionID]
	out := make([]Turn, len(stored))
	copy(out, stored)
	return out, nil
}
