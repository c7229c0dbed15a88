package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentpay/amount"
	"agentpay/faults"
	"agentpay/observability"
)

const (
	lockResourceBalance = "balance"

	defaultSnapshotInterval = 100
	defaultLockTimeout      = 5 * time.Second
)

// AuditEvent names the ledger actions mirrored into the audit trail.
type AuditEvent string

const (
	AuditEventWrite    AuditEvent = "ledger_write"
	AuditEventReversal AuditEvent = "ledger_reversal"
)

// AuditEmitter receives one notification per committed ledger entry. The
// engine treats a non-nil error as a commit failure, so implementations
// decide the coupling mode between the two stores.
type AuditEmitter interface {
	EmitLedgerEntry(ctx context.Context, event AuditEvent, entry *Entry) error
}

// AuditEmitterFunc adapts a function to AuditEmitter.
type AuditEmitterFunc func(ctx context.Context, event AuditEvent, entry *Entry) error

// EmitLedgerEntry implements AuditEmitter.
func (f AuditEmitterFunc) EmitLedgerEntry(ctx context.Context, event AuditEvent, entry *Entry) error {
	return f(ctx, event, entry)
}

// Engine is the double-entry ledger write path. All balance-affecting
// operations go through per-account locks so running balances stay exact
// under concurrency.
type Engine struct {
	store   Store
	locks   *LockManager
	emitter AuditEmitter
	logger  *slog.Logger
	metrics *observability.LedgerMetrics
	now     func() time.Time

	snapshotInterval uint64
	lockTimeout      time.Duration
	seq              atomic.Uint64
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithEngineClock sets the time source.
func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.now = clock }
}

// WithSnapshotInterval sets how many entries an account accrues between
// balance snapshots.
func WithSnapshotInterval(n uint64) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.snapshotInterval = n
		}
	}
}

// WithLockTimeout bounds how long a write waits on a contended account.
func WithLockTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithEngineLogger sets the structured logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs a ledger engine over the store. The emitter may be
// nil, in which case entries are committed without audit coupling.
func NewEngine(ctx context.Context, store Store, locks *LockManager, emitter AuditEmitter, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		store:            store,
		locks:            locks,
		emitter:          emitter,
		logger:           slog.Default(),
		metrics:          observability.Ledger(),
		now:              time.Now,
		snapshotInterval: defaultSnapshotInterval,
		lockTimeout:      defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	maxSeq, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load max seq: %w", err)
	}
	e.seq.Store(maxSeq)
	return e, nil
}

func (e *Engine) nextSeq() uint64 { return e.seq.Add(1) }

func newEntryID() string { return "led_" + uuid.NewString() }

func validateRequest(req *EntryRequest) (Direction, error) {
	if req.AccountID == "" {
		return 0, faults.New(faults.CodeInvalidAmount, "account id is required")
	}
	if req.Currency == "" {
		return 0, faults.New(faults.CodeInvalidAmount, "currency is required")
	}
	if !req.Amount.IsPositive() {
		return 0, faults.New(faults.CodeInvalidAmount, "amount %s must be positive", amount.Canonical(req.Amount))
	}
	if req.Fee.IsNegative() {
		return 0, faults.New(faults.CodeInvalidAmount, "fee %s must not be negative", amount.Canonical(req.Fee))
	}
	direction := req.Direction
	if direction == 0 {
		d, ok := defaultDirection(req.Type)
		if !ok {
			return 0, faults.New(faults.CodeInvalidAmount, "entry type %s requires an explicit direction", req.Type)
		}
		direction = d
	}
	if direction != DirectionCredit && direction != DirectionDebit {
		return 0, faults.New(faults.CodeInvalidAmount, "direction %d is not valid", direction)
	}
	return direction, nil
}

// buildEntry materialises a request into an entry with a computed running
// balance. The caller must hold the account's balance lock.
func (e *Engine) buildEntry(ctx context.Context, req *EntryRequest, direction Direction, status Status) (*Entry, error) {
	balance, err := e.confirmedBalance(ctx, req.AccountID, req.Currency, nil)
	if err != nil {
		return nil, err
	}
	entry := &Entry{
		EntryID:     newEntryID(),
		Seq:         e.nextSeq(),
		TxID:        req.TxID,
		AccountID:   req.AccountID,
		Type:        req.Type,
		Direction:   direction,
		Amount:      req.Amount,
		Fee:         req.Fee,
		Currency:    req.Currency,
		Chain:       req.Chain,
		ChainTxHash: req.ChainTxHash,
		BlockNumber: req.BlockNumber,
		Status:      status,
		CreatedAt:   e.now().UTC(),
		Metadata:    req.Metadata,
	}
	next := balance.Add(entry.signedDelta())
	if next.IsNegative() {
		return nil, faults.New(faults.CodeInsufficientBalance,
			"account %s balance %s cannot absorb %s %s",
			req.AccountID, amount.Canonical(balance), req.Type, amount.Canonical(req.Amount))
	}
	entry.RunningBalance = next
	return entry, nil
}

// CreateEntry appends one confirmed entry, holding the account lock for the
// duration of the write.
func (e *Engine) CreateEntry(ctx context.Context, req *EntryRequest) (*Entry, error) {
	direction, err := validateRequest(req)
	if err != nil {
		return nil, err
	}
	holder := "entry_" + uuid.NewString()
	lock, err := e.locks.Acquire(ctx, lockResourceBalance, balanceKey(req.AccountID, req.Currency), holder, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer e.locks.Release(lock)

	entry, err := e.buildEntry(ctx, req, direction, StatusPending)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("ledger: insert entry: %w", err)
	}
	// Audit emission happens before the entry becomes visible to balances.
	// A failed emit leaves a cancelled entry, never a confirmed one.
	if err := e.emit(ctx, AuditEventWrite, entry); err != nil {
		e.cancelEntries(ctx, []*Entry{entry})
		return nil, err
	}
	at := e.now().UTC()
	if err := e.store.UpdateEntryStatus(ctx, entry.EntryID, StatusConfirmed, &at); err != nil {
		return nil, fmt.Errorf("ledger: confirm entry: %w", err)
	}
	entry.Status = StatusConfirmed
	entry.ConfirmedAt = &at
	e.metrics.RecordEntry(string(entry.Type), string(entry.Status))
	e.maybeSnapshot(ctx, entry)
	e.logger.Debug("ledger entry written",
		slog.String("entry_id", entry.EntryID),
		slog.String("account_id", entry.AccountID),
		slog.String("entry_type", string(entry.Type)),
	)
	return cloneEntry(entry), nil
}

// CreateBatch appends a set of entries atomically. Entries land as pending
// and are confirmed together once every write has succeeded; on any failure
// the already-written entries are cancelled in reverse order, so no partial
// batch is ever observable through balances.
func (e *Engine) CreateBatch(ctx context.Context, reqs []*EntryRequest) ([]*Entry, error) {
	if len(reqs) == 0 {
		return nil, faults.New(faults.CodeInvalidAmount, "batch is empty")
	}
	directions := make([]Direction, len(reqs))
	keys := make([]string, 0, len(reqs))
	for i, req := range reqs {
		direction, err := validateRequest(req)
		if err != nil {
			return nil, faults.Wrap(faults.CodeBatchProcessingFailed, err, "batch entry %d rejected", i)
		}
		directions[i] = direction
		keys = append(keys, balanceKey(req.AccountID, req.Currency))
	}

	holder := "batch_" + uuid.NewString()
	locks, err := e.locks.AcquireBatch(ctx, lockResourceBalance, keys, holder, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer e.locks.ReleaseAll(locks)

	// Track per-account balances locally so entries within the batch see
	// the effect of earlier batch entries.
	balances := make(map[string]amount.Amount)
	written := make([]*Entry, 0, len(reqs))
	fail := func(cause error, format string, args ...any) ([]*Entry, error) {
		e.cancelEntries(ctx, written)
		return nil, faults.Wrap(faults.CodeBatchProcessingFailed, cause, format, args...)
	}

	for i, req := range reqs {
		key := balanceKey(req.AccountID, req.Currency)
		balance, ok := balances[key]
		if !ok {
			balance, err = e.confirmedBalance(ctx, req.AccountID, req.Currency, nil)
			if err != nil {
				return fail(err, "load balance for entry %d", i)
			}
		}
		entry := &Entry{
			EntryID:     newEntryID(),
			Seq:         e.nextSeq(),
			TxID:        req.TxID,
			AccountID:   req.AccountID,
			Type:        req.Type,
			Direction:   directions[i],
			Amount:      req.Amount,
			Fee:         req.Fee,
			Currency:    req.Currency,
			Chain:       req.Chain,
			ChainTxHash: req.ChainTxHash,
			BlockNumber: req.BlockNumber,
			Status:      StatusPending,
			CreatedAt:   e.now().UTC(),
			Metadata:    req.Metadata,
		}
		next := balance.Add(entry.signedDelta())
		if next.IsNegative() {
			return fail(
				faults.New(faults.CodeInsufficientBalance,
					"account %s balance %s cannot absorb %s %s",
					req.AccountID, amount.Canonical(balance), req.Type, amount.Canonical(req.Amount)),
				"batch entry %d rejected", i)
		}
		entry.RunningBalance = next
		if err := e.store.InsertEntry(ctx, entry); err != nil {
			return fail(err, "insert batch entry %d", i)
		}
		balances[key] = next
		written = append(written, entry)
	}

	for i, entry := range written {
		if err := e.emit(ctx, AuditEventWrite, entry); err != nil {
			return fail(err, "audit emit for batch entry %d", i)
		}
	}
	at := e.now().UTC()
	for i, entry := range written {
		if err := e.store.UpdateEntryStatus(ctx, entry.EntryID, StatusConfirmed, &at); err != nil {
			return fail(err, "confirm batch entry %d", i)
		}
		entry.Status = StatusConfirmed
		entry.ConfirmedAt = &at
		e.metrics.RecordEntry(string(entry.Type), string(entry.Status))
	}
	for _, entry := range written {
		e.maybeSnapshot(ctx, entry)
	}

	out := make([]*Entry, len(written))
	for i, entry := range written {
		out[i] = cloneEntry(entry)
	}
	return out, nil
}

// cancelEntries marks partially-written batch entries cancelled, newest
// first. Cancelled entries never count toward balances.
func (e *Engine) cancelEntries(ctx context.Context, entries []*Entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		if err := e.store.UpdateEntryStatus(ctx, entries[i].EntryID, StatusCancelled, nil); err != nil {
			e.logger.Error("batch entry cancellation failed",
				slog.String("entry_id", entries[i].EntryID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RollbackEntry reverses a confirmed entry by appending a reversal with the
// opposite sign and marking the original reversed. The original is never
// mutated beyond its status.
func (e *Engine) RollbackEntry(ctx context.Context, entryID, reason string) (*Entry, error) {
	original, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, faults.Wrap(faults.CodeNotFound, err, "entry %s", entryID)
	}

	holder := "reversal_" + uuid.NewString()
	lock, err := e.locks.Acquire(ctx, lockResourceBalance, balanceKey(original.AccountID, original.Currency), holder, e.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer e.locks.Release(lock)

	// Re-read under the lock so concurrent rollbacks of the same entry
	// cannot both pass the status check.
	original, err = e.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, faults.Wrap(faults.CodeNotFound, err, "entry %s", entryID)
	}
	if original.Status != StatusConfirmed {
		return nil, faults.New(faults.CodeConcurrencyConflict,
			"entry %s is %s, only confirmed entries can be reversed", entryID, original.Status)
	}

	metadata := map[string]string{MetadataOriginalEntry: original.EntryID}
	if reason != "" {
		metadata["reason"] = reason
	}
	balance, err := e.confirmedBalance(ctx, original.AccountID, original.Currency, nil)
	if err != nil {
		return nil, err
	}
	reversal := &Entry{
		EntryID:   newEntryID(),
		Seq:       e.nextSeq(),
		TxID:      original.TxID,
		AccountID: original.AccountID,
		Type:      TypeReversal,
		Direction: -original.Direction,
		Amount:    original.Amount,
		Fee:       original.Fee,
		Currency:  original.Currency,
		Chain:     original.Chain,
		Status:    StatusPending,
		CreatedAt: e.now().UTC(),
		Metadata:  metadata,
	}
	next := balance.Add(reversal.signedDelta())
	if next.IsNegative() {
		return nil, faults.New(faults.CodeInsufficientBalance,
			"reversing entry %s would drive account %s negative", entryID, original.AccountID)
	}
	reversal.RunningBalance = next

	if err := e.store.InsertEntry(ctx, reversal); err != nil {
		return nil, fmt.Errorf("ledger: insert reversal: %w", err)
	}
	if err := e.emit(ctx, AuditEventReversal, reversal); err != nil {
		e.cancelEntries(ctx, []*Entry{reversal})
		return nil, err
	}
	at := e.now().UTC()
	if err := e.store.UpdateEntryStatus(ctx, reversal.EntryID, StatusConfirmed, &at); err != nil {
		return nil, fmt.Errorf("ledger: confirm reversal: %w", err)
	}
	reversal.Status = StatusConfirmed
	reversal.ConfirmedAt = &at
	if err := e.store.UpdateEntryStatus(ctx, original.EntryID, StatusReversed, nil); err != nil {
		return nil, fmt.Errorf("ledger: mark entry reversed: %w", err)
	}
	e.metrics.RecordEntry(string(TypeReversal), string(StatusConfirmed))
	e.logger.Info("ledger entry reversed",
		slog.String("entry_id", original.EntryID),
		slog.String("reversal_id", reversal.EntryID),
	)
	return cloneEntry(reversal), nil
}

// RollbackTx reverses every confirmed entry belonging to a transaction,
// newest first so intermediate balances never dip negative.
func (e *Engine) RollbackTx(ctx context.Context, txID, reason string) ([]*Entry, error) {
	entries, err := e.store.QueryEntries(ctx, Filter{TxID: txID, Statuses: []Status{StatusConfirmed}})
	if err != nil {
		return nil, fmt.Errorf("ledger: query tx %s: %w", txID, err)
	}
	if len(entries) == 0 {
		return nil, faults.New(faults.CodeNotFound, "transaction %s has no confirmed entries", txID)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq > entries[j].Seq })
	reversals := make([]*Entry, 0, len(entries))
	for _, entry := range entries {
		if entry.Type == TypeReversal {
			continue
		}
		reversal, err := e.RollbackEntry(ctx, entry.EntryID, reason)
		if err != nil {
			return reversals, err
		}
		reversals = append(reversals, reversal)
	}
	return reversals, nil
}

// Balance returns the current balance for an account and currency.
func (e *Engine) Balance(ctx context.Context, accountID, currency string) (amount.Amount, error) {
	return e.confirmedBalance(ctx, accountID, currency, nil)
}

// BalanceAt returns the balance as of a point in time, replaying only the
// entries after the newest snapshot at or before that instant.
func (e *Engine) BalanceAt(ctx context.Context, accountID, currency string, at time.Time) (amount.Amount, error) {
	return e.confirmedBalance(ctx, accountID, currency, &at)
}

func (e *Engine) confirmedBalance(ctx context.Context, accountID, currency string, at *time.Time) (amount.Amount, error) {
	var base amount.Amount = amount.Zero()
	var afterSeq uint64
	if at != nil {
		snap, err := e.store.SnapshotAtOrBefore(ctx, accountID, currency, *at)
		if err != nil {
			return amount.Zero(), fmt.Errorf("ledger: snapshot lookup: %w", err)
		}
		if snap != nil {
			base = snap.Balance
			afterSeq = snap.LastSeq
		}
	} else {
		snap, err := e.store.LatestSnapshot(ctx, accountID, currency)
		if err != nil {
			return amount.Zero(), fmt.Errorf("ledger: snapshot lookup: %w", err)
		}
		if snap != nil {
			base = snap.Balance
			afterSeq = snap.LastSeq
		}
	}
	tail, err := e.store.QueryEntries(ctx, Filter{
		AccountID: accountID,
		Currency:  currency,
		Statuses:  []Status{StatusConfirmed, StatusReversed},
		AfterSeq:  afterSeq,
		Until:     at,
	})
	if err != nil {
		return amount.Zero(), fmt.Errorf("ledger: replay tail: %w", err)
	}
	for _, entry := range tail {
		base = base.Add(entry.signedDelta())
	}
	return base, nil
}

// GetEntry returns one entry by id.
func (e *Engine) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, faults.Wrap(faults.CodeNotFound, err, "entry %s", entryID)
	}
	return entry, nil
}

// Query returns entries matching the filter in insertion order.
func (e *Engine) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	return e.store.QueryEntries(ctx, filter)
}

func (e *Engine) emit(ctx context.Context, event AuditEvent, entry *Entry) error {
	if e.emitter == nil {
		return nil
	}
	if err := e.emitter.EmitLedgerEntry(ctx, event, entry); err != nil {
		return faults.Wrap(faults.CodeAuditChainBroken, err, "audit emit for entry %s", entry.EntryID)
	}
	return nil
}

// maybeSnapshot persists a balance snapshot once the account has accrued
// snapshotInterval entries since the last one.
func (e *Engine) maybeSnapshot(ctx context.Context, entry *Entry) {
	count, err := e.store.CountEntries(ctx, entry.AccountID, entry.Currency)
	if err != nil || count == 0 || count%e.snapshotInterval != 0 {
		return
	}
	snapshot := &Snapshot{
		SnapshotID: "snap_" + uuid.NewString(),
		AccountID:  entry.AccountID,
		Currency:   entry.Currency,
		Balance:    entry.RunningBalance,
		LastSeq:    entry.Seq,
		EntryCount: count,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.UpsertSnapshot(ctx, snapshot); err != nil {
		e.logger.Warn("balance snapshot failed",
			slog.String("account_id", entry.AccountID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.metrics.RecordSnapshot()
}
