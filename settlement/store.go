package settlement

import (
	"context"
	"sort"
	"sync"

	"agentpay/faults"
)

// Store persists settlements and batches. Writes are upserts keyed by id.
type Store interface {
	SaveSettlement(ctx context.Context, item *Settlement) error
	GetSettlement(ctx context.Context, settlementID string) (*Settlement, error)
	SettlementsByBatch(ctx context.Context, batchID string) ([]*Settlement, error)
	SettlementsByStatus(ctx context.Context, status Status) ([]*Settlement, error)
	SaveBatch(ctx context.Context, batch *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	// OpenBatch returns the open batch for a chain, or nil when none.
	OpenBatch(ctx context.Context, chain string) (*Batch, error)
	Close() error
}

// MemoryStore is the in-process Store used in tests and single-node runs.
type MemoryStore struct {
	mu          sync.RWMutex
	settlements map[string]*Settlement
	order       []string
	batches     map[string]*Batch
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settlements: make(map[string]*Settlement),
		batches:     make(map[string]*Batch),
	}
}

// SaveSettlement implements Store.
func (s *MemoryStore) SaveSettlement(_ context.Context, item *Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.settlements[item.SettlementID]; !exists {
		s.order = append(s.order, item.SettlementID)
	}
	clone := *item
	s.settlements[item.SettlementID] = &clone
	return nil
}

// GetSettlement implements Store.
func (s *MemoryStore) GetSettlement(_ context.Context, settlementID string) (*Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.settlements[settlementID]
	if !ok {
		return nil, faults.New(faults.CodeNotFound, "settlement %s", settlementID)
	}
	clone := *item
	return &clone, nil
}

// SettlementsByBatch implements Store.
func (s *MemoryStore) SettlementsByBatch(_ context.Context, batchID string) ([]*Settlement, error) {
	return s.filter(func(item *Settlement) bool { return item.BatchID == batchID }), nil
}

// SettlementsByStatus implements Store.
func (s *MemoryStore) SettlementsByStatus(_ context.Context, status Status) ([]*Settlement, error) {
	return s.filter(func(item *Settlement) bool { return item.Status == status }), nil
}

func (s *MemoryStore) filter(keep func(*Settlement) bool) []*Settlement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Settlement, 0)
	for _, id := range s.order {
		item := s.settlements[id]
		if keep(item) {
			clone := *item
			out = append(out, &clone)
		}
	}
	return out
}

// SaveBatch implements Store.
func (s *MemoryStore) SaveBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *batch
	if batch.ClosedAt != nil {
		at := *batch.ClosedAt
		clone.ClosedAt = &at
	}
	s.batches[batch.BatchID] = &clone
	return nil
}

// GetBatch implements Store.
func (s *MemoryStore) GetBatch(_ context.Context, batchID string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[batchID]
	if !ok {
		return nil, faults.New(faults.CodeNotFound, "batch %s", batchID)
	}
	clone := *batch
	return &clone, nil
}

// OpenBatch implements Store.
func (s *MemoryStore) OpenBatch(_ context.Context, chain string) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	candidates := make([]*Batch, 0, 1)
	for _, batch := range s.batches {
		if batch.Chain == chain && batch.Status == BatchOpen {
			candidates = append(candidates, batch)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	clone := *candidates[0]
	return &clone, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
