// Package hybrid couples the balance ledger with the hash-chained audit
// trail so every committed ledger entry has a tamper-evident audit record.
package hybrid

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/faults"
	"agentpay/ledger"
)

// Mode selects how tightly ledger writes couple to audit writes.
type Mode string

const (
	// ModeRequireDualWrite appends the audit record before the ledger
	// entry confirms. An audit failure fails the write.
	ModeRequireDualWrite Mode = "require_dual_write"
	// ModeAsyncAudit confirms the ledger entry immediately and audits
	// through a background queue. Lower latency, eventual audit coverage.
	ModeAsyncAudit Mode = "async_audit"
)

// ParseMode validates a mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeRequireDualWrite, ModeAsyncAudit:
		return Mode(raw), nil
	case "":
		return ModeRequireDualWrite, nil
	}
	return "", faults.New(faults.CodeInvariantViolated, "unknown hybrid mode %q", raw)
}

const defaultQueueDepth = 1024

// Ledger owns the engine and the trail and implements the engine's audit
// emitter, so the coupling mode is decided in exactly one place.
type Ledger struct {
	engine *ledger.Engine
	trail  *audit.Trail
	store  audit.Store
	mode   Mode
	logger *slog.Logger

	mu       sync.Mutex
	auditIDs map[string]string // ledger entry id → audit entry id

	queue   chan audit.Record
	applied map[string]struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customises the hybrid ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithQueueDepth sets the async audit queue capacity.
func WithQueueDepth(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.queue = make(chan audit.Record, n)
		}
	}
}

// New builds a hybrid ledger over the two stores. The engine options are
// forwarded unchanged; the audit emitter is always the hybrid ledger itself.
func New(ctx context.Context, ledgerStore ledger.Store, auditStore audit.Store, mode Mode, locks *ledger.LockManager, opts []Option, engineOpts ...ledger.EngineOption) (*Ledger, error) {
	trail, err := audit.NewTrail(ctx, auditStore)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		trail:    trail,
		store:    auditStore,
		mode:     mode,
		logger:   slog.Default(),
		auditIDs: make(map[string]string),
		queue:    make(chan audit.Record, defaultQueueDepth),
		applied:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	engine, err := ledger.NewEngine(ctx, ledgerStore, locks, l, engineOpts...)
	if err != nil {
		return nil, err
	}
	l.engine = engine
	if mode == ModeAsyncAudit {
		runCtx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.consume(runCtx)
	}
	return l, nil
}

// Engine exposes the underlying ledger engine for read paths.
func (l *Ledger) Engine() *ledger.Engine { return l.engine }

// Trail exposes the audit trail for verification and anchoring.
func (l *Ledger) Trail() *audit.Trail { return l.trail }

// Mode reports the configured coupling mode.
func (l *Ledger) Mode() Mode { return l.mode }

func recordFor(event ledger.AuditEvent, entry *ledger.Entry) audit.Record {
	decision := audit.DecisionLedgerWrite
	if event == ledger.AuditEventReversal {
		decision = audit.DecisionLedgerReversal
	}
	metadata := map[string]string{
		"amount":     amount.Canonical(entry.Amount),
		"currency":   entry.Currency,
		"entry_type": string(entry.Type),
		"tx_id":      entry.TxID,
	}
	if entry.Direction == ledger.DirectionDebit {
		metadata["direction"] = "debit"
	} else {
		metadata["direction"] = "credit"
	}
	if entry.ChainTxHash != "" {
		metadata["chain_tx_hash"] = entry.ChainTxHash
	}
	if original := entry.Metadata[ledger.MetadataOriginalEntry]; original != "" {
		metadata[ledger.MetadataOriginalEntry] = original
	}
	if hash := entry.Metadata["audit_hash"]; hash != "" {
		metadata["audit_hash"] = hash
	}
	return audit.Record{
		LedgerEntryID: entry.EntryID,
		Subject:       entry.AccountID,
		Decision:      decision,
		Metadata:      metadata,
	}
}

// EmitLedgerEntry implements ledger.AuditEmitter.
func (l *Ledger) EmitLedgerEntry(ctx context.Context, event ledger.AuditEvent, entry *ledger.Entry) error {
	record := recordFor(event, entry)
	if l.mode == ModeAsyncAudit {
		select {
		case l.queue <- record:
			return nil
		default:
			// Queue saturated: fall back to a synchronous append rather
			// than losing audit coverage.
			return l.appendRecord(ctx, record)
		}
	}
	return l.appendRecord(ctx, record)
}

func (l *Ledger) appendRecord(ctx context.Context, record audit.Record) error {
	dedupeKey := record.LedgerEntryID + "|" + record.Decision
	l.mu.Lock()
	if _, seen := l.applied[dedupeKey]; seen {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	receipt, err := l.trail.Append(ctx, record)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.applied[dedupeKey] = struct{}{}
	l.auditIDs[record.LedgerEntryID] = receipt.EntryID
	l.mu.Unlock()
	return nil
}

func (l *Ledger) consume(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued before exiting.
			for {
				select {
				case record := <-l.queue:
					l.applyAsync(record)
				default:
					return
				}
			}
		case record := <-l.queue:
			l.applyAsync(record)
		}
	}
}

func (l *Ledger) applyAsync(record audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.appendRecord(ctx, record); err != nil {
		l.logger.Error("async audit append failed",
			slog.String("entry_id", record.LedgerEntryID),
			slog.String("error", err.Error()),
		)
	}
}

// Close stops the async consumer, draining queued records first.
func (l *Ledger) Close() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// AuditID returns the audit entry id recorded for a ledger entry, if the
// audit write has landed.
func (l *Ledger) AuditID(ledgerEntryID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.auditIDs[ledgerEntryID]
	return id, ok
}

// CreateEntry writes one entry through the coupled path.
func (l *Ledger) CreateEntry(ctx context.Context, req *ledger.EntryRequest) (*ledger.Entry, error) {
	return l.engine.CreateEntry(ctx, req)
}

// CreateBatch writes a batch through the coupled path.
func (l *Ledger) CreateBatch(ctx context.Context, reqs []*ledger.EntryRequest) ([]*ledger.Entry, error) {
	return l.engine.CreateBatch(ctx, reqs)
}

// RollbackEntry reverses one entry through the coupled path.
func (l *Ledger) RollbackEntry(ctx context.Context, entryID, reason string) (*ledger.Entry, error) {
	return l.engine.RollbackEntry(ctx, entryID, reason)
}

// RollbackTx reverses a whole transaction through the coupled path.
func (l *Ledger) RollbackTx(ctx context.Context, txID, reason string) ([]*ledger.Entry, error) {
	return l.engine.RollbackTx(ctx, txID, reason)
}

// Balance reports the current confirmed balance.
func (l *Ledger) Balance(ctx context.Context, accountID, currency string) (amount.Amount, error) {
	return l.engine.Balance(ctx, accountID, currency)
}
