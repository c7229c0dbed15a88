package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentpay/faults"
	"agentpay/observability"
)

// LockRecord describes one held lock. Expired records are reclaimable.
type LockRecord struct {
	ResourceType string
	ResourceID   string
	HolderID     string
	AcquiredAt   time.Time
	ExpiresAt    time.Time
	Exclusive    bool

	released chan struct{}
}

type lockKey struct {
	resourceType string
	resourceID   string
}

// LockManager hands out per-resource exclusive locks. Re-acquisition by the
// same holder extends the expiry. Expired locks are garbage-collected on the
// next acquire attempt for the same resource.
type LockManager struct {
	mu      sync.Mutex
	locks   map[lockKey]*LockRecord
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.LedgerMetrics
}

// LockManagerOption customises the manager.
type LockManagerOption func(*LockManager)

// WithLockClock sets the time source.
func WithLockClock(clock func() time.Time) LockManagerOption {
	return func(m *LockManager) { m.now = clock }
}

// NewLockManager constructs a manager whose locks expire after ttl unless
// released or extended.
func NewLockManager(ttl time.Duration, opts ...LockManagerOption) *LockManager {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	m := &LockManager{
		locks:   make(map[lockKey]*LockRecord),
		ttl:     ttl,
		now:     time.Now,
		metrics: observability.Ledger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire obtains the exclusive lock on (resourceType, resourceID) for
// holderID, waiting up to timeout. It fails with lock_timeout past the
// deadline.
func (m *LockManager) Acquire(ctx context.Context, resourceType, resourceID, holderID string, timeout time.Duration) (*LockRecord, error) {
	key := lockKey{resourceType: resourceType, resourceID: resourceID}
	deadline := m.now().Add(timeout)
	waitStart := m.now()

	for {
		m.mu.Lock()
		now := m.now()
		current, held := m.locks[key]
		if held && now.After(current.ExpiresAt) {
			// Reclaim the expired lock.
			close(current.released)
			delete(m.locks, key)
			held = false
		}
		if held && current.HolderID == holderID {
			// Reentrant: extend expiry.
			current.ExpiresAt = now.Add(m.ttl)
			m.mu.Unlock()
			return current, nil
		}
		if !held {
			record := &LockRecord{
				ResourceType: resourceType,
				ResourceID:   resourceID,
				HolderID:     holderID,
				AcquiredAt:   now,
				ExpiresAt:    now.Add(m.ttl),
				Exclusive:    true,
				released:     make(chan struct{}),
			}
			m.locks[key] = record
			m.mu.Unlock()
			m.metrics.ObserveLockWait(m.now().Sub(waitStart))
			return record, nil
		}
		released := current.released
		expiresIn := current.ExpiresAt.Sub(now)
		m.mu.Unlock()

		remaining := deadline.Sub(m.now())
		if remaining <= 0 {
			m.metrics.RecordLockTimeout()
			return nil, faults.New(faults.CodeLockTimeout, "lock %s/%s held by another holder", resourceType, resourceID)
		}
		wait := remaining
		if expiresIn > 0 && expiresIn < wait {
			// Wake up when the holder's lease lapses even if it never releases.
			wait = expiresIn
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, faults.Wrap(faults.CodeLockTimeout, ctx.Err(), "cancelled waiting for lock %s/%s", resourceType, resourceID)
		case <-released:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// AcquireBatch obtains locks on every resource id in sorted order, which
// makes overlapping batch acquisitions deadlock-free. On failure the locks
// already obtained are released in reverse order.
func (m *LockManager) AcquireBatch(ctx context.Context, resourceType string, resourceIDs []string, holderID string, timeout time.Duration) ([]*LockRecord, error) {
	unique := make(map[string]struct{}, len(resourceIDs))
	sorted := make([]string, 0, len(resourceIDs))
	for _, id := range resourceIDs {
		if _, seen := unique[id]; seen {
			continue
		}
		unique[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	acquired := make([]*LockRecord, 0, len(sorted))
	for _, id := range sorted {
		record, err := m.Acquire(ctx, resourceType, id, holderID, timeout)
		if err != nil {
			m.ReleaseAll(acquired)
			return nil, err
		}
		acquired = append(acquired, record)
	}
	return acquired, nil
}

// Release frees a held lock. Releasing a lock that was reclaimed after
// expiry is a no-op.
func (m *LockManager) Release(record *LockRecord) {
	if record == nil {
		return
	}
	key := lockKey{resourceType: record.ResourceType, resourceID: record.ResourceID}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, held := m.locks[key]
	if !held || current != record {
		return
	}
	close(current.released)
	delete(m.locks, key)
}

// ReleaseAll frees locks in reverse acquisition order.
func (m *LockManager) ReleaseAll(records []*LockRecord) {
	for i := len(records) - 1; i >= 0; i-- {
		m.Release(records[i])
	}
}

// Held reports whether the resource is currently locked. Primarily for
// tests and admin surfaces.
func (m *LockManager) Held(resourceType, resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.locks[lockKey{resourceType: resourceType, resourceID: resourceID}]
	return ok && m.now().Before(record.ExpiresAt)
}
