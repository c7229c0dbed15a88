package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEntryNotFound is returned when an entry id is unknown.
var ErrEntryNotFound = errors.New("ledger: entry not found")

// Store is the ledger store port. Entries are append-only; the only
// permitted mutation is a status transition applied by the engine.
type Store interface {
	InsertEntry(ctx context.Context, entry *Entry) error
	GetEntry(ctx context.Context, entryID string) (*Entry, error)
	UpdateEntryStatus(ctx context.Context, entryID string, status Status, confirmedAt *time.Time) error
	// QueryEntries returns matching entries ordered by monotonic insertion
	// sequence, which breaks ties between identical timestamps.
	QueryEntries(ctx context.Context, filter Filter) ([]*Entry, error)
	CountEntries(ctx context.Context, accountID, currency string) (uint64, error)
	UpsertSnapshot(ctx context.Context, snapshot *Snapshot) error
	// SnapshotAtOrBefore returns the newest snapshot whose creation is not
	// after at, or nil when none exists.
	SnapshotAtOrBefore(ctx context.Context, accountID, currency string, at time.Time) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, accountID, currency string) (*Snapshot, error)
	MaxSeq(ctx context.Context) (uint64, error)
	Close() error
}

// MemoryStore is an in-process Store used when DATABASE_URL is absent and
// in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []*Entry
	byID      map[string]*Entry
	snapshots map[string][]*Snapshot // account|currency → snapshots by LastSeq asc
}

// NewMemoryStore constructs an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Entry),
		snapshots: make(map[string][]*Snapshot),
	}
}

func balanceKey(accountID, currency string) string {
	return accountID + "|" + currency
}

// InsertEntry implements Store.
func (s *MemoryStore) InsertEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneEntry(entry)
	s.entries = append(s.entries, clone)
	s.byID[clone.EntryID] = clone
	return nil
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(_ context.Context, entryID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.byID[entryID]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(entry), nil
}

// UpdateEntryStatus implements Store.
func (s *MemoryStore) UpdateEntryStatus(_ context.Context, entryID string, status Status, confirmedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[entryID]
	if !ok {
		return ErrEntryNotFound
	}
	entry.Status = status
	if confirmedAt != nil {
		at := *confirmedAt
		entry.ConfirmedAt = &at
	}
	return nil
}

// QueryEntries implements Store.
func (s *MemoryStore) QueryEntries(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	statuses := make(map[Status]struct{}, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses[status] = struct{}{}
	}
	matches := make([]*Entry, 0)
	for _, entry := range s.entries {
		if filter.AccountID != "" && entry.AccountID != filter.AccountID {
			continue
		}
		if filter.Currency != "" && entry.Currency != filter.Currency {
			continue
		}
		if filter.TxID != "" && entry.TxID != filter.TxID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[entry.Status]; !ok {
				continue
			}
		}
		if filter.ChainTxHash != "" && entry.ChainTxHash != filter.ChainTxHash {
			continue
		}
		if filter.WithChainRef && entry.ChainTxHash == "" {
			continue
		}
		if filter.AfterSeq > 0 && entry.Seq <= filter.AfterSeq {
			continue
		}
		if filter.Until != nil && entry.CreatedAt.After(*filter.Until) {
			continue
		}
		matches = append(matches, cloneEntry(entry))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Seq < matches[j].Seq })
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// CountEntries implements Store.
func (s *MemoryStore) CountEntries(_ context.Context, accountID, currency string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count uint64
	for _, entry := range s.entries {
		if entry.AccountID == accountID && entry.Currency == currency {
			count++
		}
	}
	return count, nil
}

// UpsertSnapshot implements Store.
func (s *MemoryStore) UpsertSnapshot(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := balanceKey(snapshot.AccountID, snapshot.Currency)
	clone := *snapshot
	existing := s.snapshots[key]
	for i, snap := range existing {
		if snap.LastSeq == clone.LastSeq {
			existing[i] = &clone
			return nil
		}
	}
	existing = append(existing, &clone)
	sort.Slice(existing, func(i, j int) bool { return existing[i].LastSeq < existing[j].LastSeq })
	s.snapshots[key] = existing
	return nil
}

// SnapshotAtOrBefore implements Store.
func (s *MemoryStore) SnapshotAtOrBefore(_ context.Context, accountID, currency string, at time.Time) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Snapshot
	for _, snap := range s.snapshots[balanceKey(accountID, currency)] {
		if snap.CreatedAt.After(at) {
			continue
		}
		if best == nil || snap.LastSeq > best.LastSeq {
			best = snap
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

// LatestSnapshot implements Store.
func (s *MemoryStore) LatestSnapshot(_ context.Context, accountID, currency string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[balanceKey(accountID, currency)]
	if len(snaps) == 0 {
		return nil, nil
	}
	clone := *snaps[len(snaps)-1]
	return &clone, nil
}

// MaxSeq implements Store.
func (s *MemoryStore) MaxSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, entry := range s.entries {
		if entry.Seq > max {
			max = entry.Seq
		}
	}
	return max, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func cloneEntry(entry *Entry) *Entry {
	clone := *entry
	if entry.ConfirmedAt != nil {
		at := *entry.ConfirmedAt
		clone.ConfirmedAt = &at
	}
	if entry.Metadata != nil {
		clone.Metadata = make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
