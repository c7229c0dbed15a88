package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Receipt is returned from every append. The inclusion proof is valid
// against the Merkle root current at append time.
type Receipt struct {
	EntryID       string         `json:"entry_id"`
	ChainPosition uint64         `json:"chain_position"`
	Proof         InclusionProof `json:"proof"`
}

// VerifyResult reports the outcome of verifying one entry. Verification
// errors are distinct: NotFound, Tampered (hash mismatch), or an IO error
// returned separately.
type VerifyResult struct {
	Verified     bool   `json:"verified"`
	Tampered     bool   `json:"tampered"`
	NotFound     bool   `json:"not_found"`
	MerkleRoot   string `json:"merkle_root"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
}

// Record captures the caller-supplied fields for a new audit entry.
type Record struct {
	LedgerEntryID string
	MandateID     string
	Subject       string
	Decision      string
	ActorID       string
	Metadata      map[string]string
}

// Trail maintains the hash-chained audit log over a Store. All appends are
// serialized so PrevHash reflects true insertion order.
type Trail struct {
	mu       sync.Mutex
	store    Store
	lastHash string
	count    uint64
	leaves   []string
	now      func() time.Time
	logger   *slog.Logger
}

// TrailOption customises the trail.
type TrailOption func(*Trail)

// WithClock sets the time source used for entry timestamps.
func WithClock(clock func() time.Time) TrailOption {
	return func(t *Trail) { t.now = clock }
}

// WithLogger supplies the structured logger.
func WithLogger(logger *slog.Logger) TrailOption {
	return func(t *Trail) { t.logger = logger }
}

// NewTrail constructs a trail over the store, replaying existing entries to
// recover the chain head and Merkle leaves.
func NewTrail(ctx context.Context, store Store, opts ...TrailOption) (*Trail, error) {
	t := &Trail{store: store, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if err := store.Walk(ctx, func(entry *Entry) error {
		t.lastHash = entry.EntryHash
		t.leaves = append(t.leaves, entry.EntryHash)
		t.count++
		return nil
	}); err != nil {
		return nil, fmt.Errorf("audit: replay chain: %w", err)
	}
	return t, nil
}

// Append writes a new hash-chained entry and returns its receipt.
func (t *Trail) Append(ctx context.Context, record Record) (*Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := &Entry{
		EntryID:       "aud_" + uuid.NewString(),
		LedgerEntryID: record.LedgerEntryID,
		MandateID:     record.MandateID,
		Subject:       record.Subject,
		Decision:      record.Decision,
		ActorID:       record.ActorID,
		CreatedAt:     t.now().UTC(),
		Metadata:      record.Metadata,
		Position:      t.count,
		PrevHash:      t.lastHash,
	}
	entry.EntryHash = ComputeHash(entry, entry.PrevHash)

	if err := t.store.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("audit: append: %w", err)
	}
	t.lastHash = entry.EntryHash
	t.leaves = append(t.leaves, entry.EntryHash)
	t.count++

	proof := merkleProof(t.leaves, entry.Position)
	return &Receipt{EntryID: entry.EntryID, ChainPosition: entry.Position, Proof: proof}, nil
}

// Get returns one stored entry.
func (t *Trail) Get(ctx context.Context, entryID string) (*Entry, error) {
	return t.store.Get(ctx, entryID)
}

// Count reports the number of chained entries.
func (t *Trail) Count() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Root returns the current Merkle root over all entry hashes.
func (t *Trail) Root() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return merkleRoot(t.leaves)
}

// Verify checks a single entry against its recomputed hash and the current
// Merkle root.
func (t *Trail) Verify(ctx context.Context, entryID string) (*VerifyResult, error) {
	entry, err := t.store.Get(ctx, entryID)
	if errors.Is(err, ErrNotFound) {
		return &VerifyResult{NotFound: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: load entry: %w", err)
	}
	computed := ComputeHash(entry, entry.PrevHash)
	result := &VerifyResult{
		MerkleRoot:   t.Root(),
		StoredHash:   entry.EntryHash,
		ComputedHash: computed,
	}
	if computed != entry.EntryHash {
		result.Tampered = true
		return result, nil
	}
	result.Verified = true
	return result, nil
}

// VerifyChain recomputes every hash from the genesis entry. The chain is
// valid iff each stored hash matches its recomputation and each PrevHash
// matches the preceding entry. On failure the error names the first broken
// link.
func (t *Trail) VerifyChain(ctx context.Context) (bool, error) {
	prev := ""
	err := t.store.Walk(ctx, func(entry *Entry) error {
		if entry.PrevHash != prev {
			return fmt.Errorf("hash mismatch at entry %s", entry.EntryID)
		}
		if ComputeHash(entry, prev) != entry.EntryHash {
			return fmt.Errorf("hash mismatch at entry %s", entry.EntryID)
		}
		prev = entry.EntryHash
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
