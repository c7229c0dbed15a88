// Package reconcile compares confirmed ledger entries against the
// transactions actually observed on chain, classifies discrepancies, and
// applies resolution strategies.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/faults"
	"agentpay/hybrid"
	"agentpay/ledger"
	"agentpay/observability"
	"agentpay/settlement"
)

// DiscrepancyKind classifies a ledger/chain divergence.
type DiscrepancyKind string

const (
	KindMissingOnChain  DiscrepancyKind = "missing_on_chain"
	KindMissingInLedger DiscrepancyKind = "missing_in_ledger"
	KindAmountMismatch  DiscrepancyKind = "amount_mismatch"
	KindStatusMismatch  DiscrepancyKind = "status_mismatch"
	KindDuplicateEntry  DiscrepancyKind = "duplicate_entry"
)

// Strategy is how a discrepancy was (or will be) resolved.
type Strategy string

const (
	StrategyAutoCorrect  Strategy = "auto_correct_ledger"
	StrategyManualReview Strategy = "manual_review"
	StrategyIgnore       Strategy = "ignore"
)

// Discrepancy is one detected divergence with its resolution state.
type Discrepancy struct {
	ID           string          `json:"id"`
	Kind         DiscrepancyKind `json:"kind"`
	EntryID      string          `json:"entry_id,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
	Chain        string          `json:"chain,omitempty"`
	LedgerAmount amount.Amount   `json:"ledger_amount"`
	ChainAmount  amount.Amount   `json:"chain_amount"`
	Detail       string          `json:"detail"`
	Strategy     Strategy        `json:"strategy"`
	Resolved     bool            `json:"resolved"`
	DetectedAt   time.Time       `json:"detected_at"`
}

// RunReport summarises one reconciliation pass.
type RunReport struct {
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	EntriesSeen   int            `json:"entries_seen"`
	Discrepancies []*Discrepancy `json:"discrepancies"`
}

// Clean reports whether the pass found no divergence.
func (r *RunReport) Clean() bool { return len(r.Discrepancies) == 0 }

// ChainReader fetches one transaction from a chain. The settlement manager
// satisfies it, so reads share the chain's reliability budget.
type ChainReader interface {
	GetTransaction(ctx context.Context, chain, txHash string) (*settlement.ChainTx, error)
}

// AddressScanner optionally lists chain transactions touching managed
// addresses, enabling missing_in_ledger detection.
type AddressScanner interface {
	ManagedTransactions(ctx context.Context) ([]*settlement.ChainTx, error)
}

// Config bounds the reconciler.
type Config struct {
	Interval time.Duration
	// Tolerance is the relative amount difference treated as rounding
	// noise, default 0.01 percent.
	Tolerance amount.Amount
	// AutoResolveThreshold is the largest ledger amount the reconciler
	// corrects without an operator.
	AutoResolveThreshold amount.Amount
}

func (c *Config) normalise() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.Tolerance.IsZero() {
		c.Tolerance = amount.MustFromString("0.0001")
	}
	if c.AutoResolveThreshold.IsZero() {
		c.AutoResolveThreshold = amount.MustFromString("100")
	}
}

// Reconciler is the background loop. Explicit lifecycle: Start launches the
// loop, Stop cancels it and waits.
type Reconciler struct {
	books   *hybrid.Ledger
	chains  ChainReader
	scanner AddressScanner
	cfg     Config
	metrics *observability.ReconcilerMetrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending []*Discrepancy // manual review queue
	reports []*RunReport

	cancel context.CancelFunc
	done   chan struct{}
}

// Option customises the reconciler.
type Option func(*Reconciler)

// WithScanner enables missing_in_ledger detection.
func WithScanner(scanner AddressScanner) Option {
	return func(r *Reconciler) { r.scanner = scanner }
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Reconciler) { r.now = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a reconciler over the hybrid ledger and a chain reader.
func New(books *hybrid.Ledger, chains ChainReader, cfg Config, opts ...Option) *Reconciler {
	cfg.normalise()
	r := &Reconciler{
		books:   books,
		chains:  chains,
		cfg:     cfg,
		metrics: observability.Reconciler(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the periodic loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// PendingReview returns the queued discrepancies awaiting an operator.
func (r *Reconciler) PendingReview() []*Discrepancy {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Discrepancy, len(r.pending))
	copy(out, r.pending)
	return out
}

// Reports returns past run reports, oldest first.
func (r *Reconciler) Reports() []*RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RunReport, len(r.reports))
	copy(out, r.reports)
	return out
}

// RunOnce executes a single reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) (*RunReport, error) {
	r.metrics.RecordRun()
	report := &RunReport{StartedAt: r.now().UTC()}

	entries, err := r.books.Engine().Query(ctx, ledger.Filter{
		Statuses:     []ledger.Status{ledger.StatusConfirmed},
		WithChainRef: true,
	})
	if err != nil {
		return nil, err
	}
	report.EntriesSeen = len(entries)

	byHash := make(map[string][]*ledger.Entry)
	for _, entry := range entries {
		byHash[entry.ChainTxHash] = append(byHash[entry.ChainTxHash], entry)
	}

	for hash, group := range byHash {
		if len(group) > 1 {
			for _, entry := range group[1:] {
				r.record(ctx, report, &Discrepancy{
					Kind:         KindDuplicateEntry,
					EntryID:      entry.EntryID,
					TxHash:       hash,
					Chain:        entry.Chain,
					LedgerAmount: entry.Amount,
					Detail:       "chain hash already claimed by entry " + group[0].EntryID,
				})
			}
		}
		entry := group[0]
		tx, err := r.chains.GetTransaction(ctx, entry.Chain, hash)
		if err != nil {
			// Provider trouble is not a discrepancy; the next pass
			// retries.
			r.logger.Warn("chain lookup failed",
				slog.String("tx_hash", hash),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.classify(ctx, report, entry, tx)
	}

	if r.scanner != nil {
		r.scanForeign(ctx, report, byHash)
	}

	report.FinishedAt = r.now().UTC()
	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	return report, nil
}

func (r *Reconciler) classify(ctx context.Context, report *RunReport, entry *ledger.Entry, tx *settlement.ChainTx) {
	switch {
	case tx == nil:
		r.record(ctx, report, &Discrepancy{
			Kind:         KindMissingOnChain,
			EntryID:      entry.EntryID,
			TxHash:       entry.ChainTxHash,
			Chain:        entry.Chain,
			LedgerAmount: entry.Amount,
			Detail:       "ledger entry references a transaction the chain does not have",
		})
	case tx.Status == settlement.ChainTxFailed:
		r.record(ctx, report, &Discrepancy{
			Kind:         KindStatusMismatch,
			EntryID:      entry.EntryID,
			TxHash:       entry.ChainTxHash,
			Chain:        entry.Chain,
			LedgerAmount: entry.Amount,
			ChainAmount:  tx.Amount,
			Detail:       "chain reports failed, ledger confirmed",
		})
	default:
		diff := entry.Amount.Sub(tx.Amount).Abs()
		if diff.IsZero() {
			return
		}
		limit := decimal.Max(entry.Amount, tx.Amount).Mul(r.cfg.Tolerance)
		d := &Discrepancy{
			EntryID:      entry.EntryID,
			TxHash:       entry.ChainTxHash,
			Chain:        entry.Chain,
			LedgerAmount: entry.Amount,
			ChainAmount:  tx.Amount,
		}
		if diff.LessThanOrEqual(limit) {
			d.Kind = KindAmountMismatch
			d.Detail = "difference within tolerance"
			d.Strategy = StrategyIgnore
			d.Resolved = true
			r.record(ctx, report, d)
			return
		}
		d.Kind = KindAmountMismatch
		d.Detail = "ledger and chain amounts diverge"
		r.record(ctx, report, d)
	}
}

func (r *Reconciler) scanForeign(ctx context.Context, report *RunReport, byHash map[string][]*ledger.Entry) {
	txs, err := r.scanner.ManagedTransactions(ctx)
	if err != nil {
		r.logger.Warn("managed address scan failed", slog.String("error", err.Error()))
		return
	}
	for _, tx := range txs {
		if _, ok := byHash[tx.TxHash]; ok {
			continue
		}
		r.record(ctx, report, &Discrepancy{
			Kind:        KindMissingInLedger,
			TxHash:      tx.TxHash,
			ChainAmount: tx.Amount,
			Detail:      "chain transaction touches a managed address with no ledger entry",
		})
	}
}

// record assigns a resolution strategy, applies it, audits it, and appends
// the discrepancy to the run report.
func (r *Reconciler) record(ctx context.Context, report *RunReport, d *Discrepancy) {
	d.ID = "dis_" + uuid.NewString()
	d.DetectedAt = r.now().UTC()
	r.metrics.RecordDiscrepancy(string(d.Kind))

	if d.Strategy == "" {
		d.Strategy = r.chooseStrategy(d)
	}
	if d.Strategy == StrategyAutoCorrect {
		if err := r.autoCorrect(ctx, d); err != nil {
			r.logger.Error("auto correction failed",
				slog.String("discrepancy_id", d.ID),
				slog.String("error", err.Error()),
			)
			d.Strategy = StrategyManualReview
		} else {
			d.Resolved = true
		}
	}
	if d.Strategy == StrategyManualReview {
		r.mu.Lock()
		r.pending = append(r.pending, d)
		r.mu.Unlock()
	}
	r.metrics.RecordResolution(string(d.Strategy))

	if _, err := r.books.Trail().Append(ctx, audit.Record{
		LedgerEntryID: d.EntryID,
		Subject:       "reconciler",
		Decision:      audit.DecisionReconciliation,
		Metadata: map[string]string{
			"kind":          string(d.Kind),
			"strategy":      string(d.Strategy),
			"tx_hash":       d.TxHash,
			"ledger_amount": amount.Canonical(d.LedgerAmount),
			"chain_amount":  amount.Canonical(d.ChainAmount),
		},
	}); err != nil {
		r.logger.Error("reconciliation audit write failed",
			slog.String("discrepancy_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
	report.Discrepancies = append(report.Discrepancies, d)
}

// chooseStrategy trusts the chain for small divergences and escalates the
// rest.
func (r *Reconciler) chooseStrategy(d *Discrepancy) Strategy {
	switch d.Kind {
	case KindAmountMismatch, KindStatusMismatch:
		if d.LedgerAmount.LessThanOrEqual(r.cfg.AutoResolveThreshold) {
			return StrategyAutoCorrect
		}
	}
	return StrategyManualReview
}

// autoCorrect trusts the chain: a status mismatch reverses the confirmed
// entry, an amount mismatch appends an adjustment for the difference.
func (r *Reconciler) autoCorrect(ctx context.Context, d *Discrepancy) error {
	switch d.Kind {
	case KindStatusMismatch:
		_, err := r.books.RollbackEntry(ctx, d.EntryID, "chain reports transaction failed")
		return err
	case KindAmountMismatch:
		entry, err := r.books.Engine().GetEntry(ctx, d.EntryID)
		if err != nil {
			return err
		}
		diff := d.ChainAmount.Sub(d.LedgerAmount)
		direction := ledger.DirectionCredit
		if diff.IsNegative() {
			direction = ledger.DirectionDebit
			diff = diff.Abs()
		}
		// The entry's own sign decides which way the correction moves
		// the balance: a debit that was too small needs a further debit.
		if entry.Direction == ledger.DirectionDebit {
			direction = -direction
		}
		_, err = r.books.CreateEntry(ctx, &ledger.EntryRequest{
			TxID:      entry.TxID,
			AccountID: entry.AccountID,
			Type:      ledger.TypeAdjustment,
			Direction: direction,
			Amount:    diff,
			Currency:  entry.Currency,
			Chain:     entry.Chain,
			Metadata: map[string]string{
				ledger.MetadataOriginalEntry: entry.EntryID,
				"reason":                     "reconciliation amount correction",
			},
		})
		return err
	}
	return faults.New(faults.CodeReconciliationMismatch, "no automatic correction for %s", d.Kind)
}
