package audit

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when an audit entry does not exist.
var ErrNotFound = errors.New("audit: entry not found")

// Store is the audit store port. Storage is strictly append-only; there is
// no delete operation.
type Store interface {
	// Append persists a fully populated entry at the next position.
	Append(ctx context.Context, entry *Entry) error
	// Get returns the entry with the given id, or ErrNotFound.
	Get(ctx context.Context, entryID string) (*Entry, error)
	// ByPosition returns the entry at a chain position, or ErrNotFound.
	ByPosition(ctx context.Context, position uint64) (*Entry, error)
	// Count reports the number of stored entries.
	Count(ctx context.Context) (uint64, error)
	// Walk visits every entry in insertion order until fn errors.
	Walk(ctx context.Context, fn func(*Entry) error) error
	Close() error
}

// MemoryStore is an in-process Store for tests and dev runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[string]int
}

// NewMemoryStore constructs an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entry
	s.byID[clone.EntryID] = len(s.entries)
	s.entries = append(s.entries, &clone)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[entryID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s.entries[idx]
	return &clone, nil
}

// ByPosition implements Store.
func (s *MemoryStore) ByPosition(_ context.Context, position uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if position >= uint64(len(s.entries)) {
		return nil, ErrNotFound
	}
	clone := *s.entries[position]
	return &clone, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Walk implements Store.
func (s *MemoryStore) Walk(_ context.Context, fn func(*Entry) error) error {
	s.mu.RLock()
	entries := make([]*Entry, len(s.entries))
	for i, e := range s.entries {
		clone := *e
		entries[i] = &clone
	}
	s.mu.RUnlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Tamper overwrites a stored entry in place. It exists so verification
// failure paths can be exercised; production stores expose nothing like it.
func (s *MemoryStore) Tamper(entryID string, mutate func(*Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[entryID]
	if !ok {
		return false
	}
	mutate(s.entries[idx])
	return true
}
