package session

import (
	"context"
	"sort"
	"sync"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository creates a new in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*Session),
	}
}

// Save persists a session to the in-memory storage.
// Creates a clone to avoid external mutations.
func (r *MemoryRepository) Save(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s.Clone()
	return nil
}

// FindByID retrieves a session by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindByID(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

// List returns all sessions, oldest first.
// Returns clones to prevent external mutations.
func (r *MemoryRepository) List(_ context.Context) ([]*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Delete removes a session from storage.
func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}
