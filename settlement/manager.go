package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpay/amount"
	"agentpay/faults"
	"agentpay/observability"
	"agentpay/reliability"
)

// Config bounds the manager's batching and retry behaviour.
type Config struct {
	Mode             Mode
	MaxBatchSize     int
	MinBatchSize     int
	BatchInterval    time.Duration
	MaxRetryAttempts int
}

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		Mode:             ModePerTx,
		MaxBatchSize:     50,
		MinBatchSize:     2,
		BatchInterval:    30 * time.Second,
		MaxRetryAttempts: 3,
	}
}

func (c *Config) normalise() {
	if c.Mode == "" {
		c.Mode = ModePerTx
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 50
	}
	if c.MinBatchSize <= 0 {
		c.MinBatchSize = 2
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 30 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
}

// Manager routes settlements by mode and owns the batch flush schedule. It
// has an explicit lifecycle: Start launches the flush loop, Stop drains it.
type Manager struct {
	store    Store
	port     ChainPort
	callers  *reliability.Registry
	cfg      Config
	metrics  *observability.SettlementMetrics
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	mu sync.Mutex // guards batch assignment and flush

	cancel context.CancelFunc
	done   chan struct{}
}

// ManagerOption customises the manager.
type ManagerOption func(*Manager)

// WithManagerClock sets the time source.
func WithManagerClock(clock func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = clock }
}

// WithManagerLogger sets the structured logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a settlement manager over a store, one chain port,
// and the shared reliability registry.
func NewManager(store Store, port ChainPort, callers *reliability.Registry, cfg Config, opts ...ManagerOption) *Manager {
	cfg.normalise()
	m := &Manager{
		store:   store,
		port:    port,
		callers: callers,
		cfg:     cfg,
		metrics: observability.Settlement(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetObserver registers the batch outcome observer. Set it before Start;
// the flush loop reads it without locking.
func (m *Manager) SetObserver(obs Observer) { m.observer = obs }

// Start launches the periodic flush loop for batched mode.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop cancels the loop and flushes whatever is still batched.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	m.flushDue(ctx, true)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.flushDue(ctx, false)
		}
	}
}

func (m *Manager) chainCaller(chain string) *reliability.Caller {
	return m.callers.Caller("chain_" + chain)
}

// Settle routes one payment according to the request mode, falling back to
// the manager's default mode.
func (m *Manager) Settle(ctx context.Context, req *Request) (*Settlement, error) {
	mode := req.Mode
	if mode == "" {
		mode = m.cfg.Mode
	}
	if !req.Amount.IsPositive() {
		return nil, faults.New(faults.CodeInvalidAmount, "settlement amount %s must be positive", amount.Canonical(req.Amount))
	}
	if mode != ModeInternalOnly && req.Chain == "" {
		return nil, faults.New(faults.CodeInvalidAddress, "chain is required for %s settlement", mode)
	}

	now := m.now().UTC()
	item := &Settlement{
		SettlementID: "set_" + uuid.NewString(),
		TxID:         req.TxID,
		Chain:        req.Chain,
		Token:        req.Token,
		Destination:  req.Destination,
		Amount:       req.Amount,
		Mode:         mode,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch mode {
	case ModeInternalOnly:
		item.Status = StatusConfirmed
		if err := m.store.SaveSettlement(ctx, item); err != nil {
			return nil, err
		}
		m.metrics.RecordSettlement(string(mode), "none", "confirmed")
		return item, nil
	case ModePerTx:
		return m.settlePerTx(ctx, item)
	case ModeBatched:
		return m.enqueueBatched(ctx, item)
	}
	return nil, faults.New(faults.CodeInvariantViolated, "unknown settlement mode %q", mode)
}

func (m *Manager) settlePerTx(ctx context.Context, item *Settlement) (*Settlement, error) {
	item.Status = StatusSubmitting
	if err := m.store.SaveSettlement(ctx, item); err != nil {
		return nil, err
	}

	var receipt *Receipt
	err := m.chainCaller(item.Chain).Do(ctx, func(ctx context.Context) error {
		item.Attempts++
		r, err := m.port.Dispatch(ctx, item)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	item.UpdatedAt = m.now().UTC()
	if err != nil {
		item.Status = StatusFailed
		item.LastError = err.Error()
		if saveErr := m.store.SaveSettlement(ctx, item); saveErr != nil {
			m.logger.Error("failed settlement not persisted",
				slog.String("settlement_id", item.SettlementID),
				slog.String("error", saveErr.Error()),
			)
		}
		m.metrics.RecordSettlement(string(ModePerTx), item.Chain, "failed")
		if faults.CodeOf(err) == "" {
			return item, faults.Wrap(faults.CodeChainSubmissionFailed, err, "dispatch to %s", item.Chain)
		}
		return item, err
	}

	item.Status = StatusConfirmed
	item.TxHash = receipt.TxHash
	item.BlockNumber = receipt.BlockNumber
	item.AuditAnchor = receipt.AuditAnchor
	if err := m.store.SaveSettlement(ctx, item); err != nil {
		return nil, err
	}
	m.metrics.RecordSettlement(string(ModePerTx), item.Chain, "confirmed")
	m.logger.Info("settlement confirmed",
		slog.String("settlement_id", item.SettlementID),
		slog.String("chain", item.Chain),
		slog.String("tx_hash", item.TxHash),
	)
	return item, nil
}

func (m *Manager) enqueueBatched(ctx context.Context, item *Settlement) (*Settlement, error) {
	m.mu.Lock()
	batch, err := m.store.OpenBatch(ctx, item.Chain)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if batch == nil {
		batch = &Batch{
			BatchID:     "bat_" + uuid.NewString(),
			Chain:       item.Chain,
			Status:      BatchOpen,
			TotalAmount: amount.Zero(),
			CreatedAt:   m.now().UTC(),
		}
	}
	item.BatchID = batch.BatchID
	batch.TotalAmount = batch.TotalAmount.Add(item.Amount)
	if err := m.store.SaveSettlement(ctx, item); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.store.SaveBatch(ctx, batch); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	members, err := m.store.SettlementsByBatch(ctx, batch.BatchID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	full := len(members) >= m.cfg.MaxBatchSize
	m.mu.Unlock()

	if full {
		if err := m.FlushChain(ctx, item.Chain); err != nil {
			m.logger.Error("full batch flush failed",
				slog.String("batch_id", batch.BatchID),
				slog.String("error", err.Error()),
			)
		}
		return m.store.GetSettlement(ctx, item.SettlementID)
	}
	return item, nil
}

// FlushChain closes and submits the open batch for one chain, regardless of
// size or age.
func (m *Manager) FlushChain(ctx context.Context, chain string) error {
	m.mu.Lock()
	batch, err := m.store.OpenBatch(ctx, chain)
	if err != nil || batch == nil {
		m.mu.Unlock()
		return err
	}
	closedAt := m.now().UTC()
	batch.Status = BatchClosed
	batch.ClosedAt = &closedAt
	if err := m.store.SaveBatch(ctx, batch); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	return m.submitBatch(ctx, batch)
}

// flushDue closes batches that hit the interval trigger; force closes every
// open batch regardless of size.
func (m *Manager) flushDue(ctx context.Context, force bool) {
	chains := m.openChains(ctx)
	for _, chain := range chains {
		m.mu.Lock()
		batch, err := m.store.OpenBatch(ctx, chain)
		if err != nil || batch == nil {
			m.mu.Unlock()
			continue
		}
		members, err := m.store.SettlementsByBatch(ctx, batch.BatchID)
		if err != nil {
			m.mu.Unlock()
			continue
		}
		aged := m.now().Sub(batch.CreatedAt) >= m.cfg.BatchInterval
		due := force && len(members) > 0 ||
			len(members) >= m.cfg.MaxBatchSize ||
			(aged && len(members) >= m.cfg.MinBatchSize)
		if !due {
			m.mu.Unlock()
			continue
		}
		closedAt := m.now().UTC()
		batch.Status = BatchClosed
		batch.ClosedAt = &closedAt
		if err := m.store.SaveBatch(ctx, batch); err != nil {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()
		if err := m.submitBatch(ctx, batch); err != nil {
			m.logger.Error("batch submission failed",
				slog.String("batch_id", batch.BatchID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) openChains(ctx context.Context) []string {
	pending, err := m.store.SettlementsByStatus(ctx, StatusPending)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	var chains []string
	for _, item := range pending {
		if item.BatchID == "" {
			continue
		}
		if _, ok := seen[item.Chain]; ok {
			continue
		}
		seen[item.Chain] = struct{}{}
		chains = append(chains, item.Chain)
	}
	return chains
}

// submitBatch pushes a closed batch as one atomic chain call, retrying at
// the batch level. A failed batch is never split; after the retry budget
// every member settlement is marked failed.
func (m *Manager) submitBatch(ctx context.Context, batch *Batch) error {
	members, err := m.store.SettlementsByBatch(ctx, batch.BatchID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		batch.Status = BatchConfirmed
		return m.store.SaveBatch(ctx, batch)
	}

	batch.Status = BatchSubmitting
	if err := m.store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	for _, item := range members {
		item.Status = StatusSubmitting
		item.UpdatedAt = m.now().UTC()
		if err := m.store.SaveSettlement(ctx, item); err != nil {
			return err
		}
	}

	var receipt *Receipt
	var lastErr error
	caller := m.chainCaller(batch.Chain)
	for attempt := 0; attempt < m.cfg.MaxRetryAttempts; attempt++ {
		if attempt > 0 {
			m.metrics.RecordRetry(batch.Chain)
		}
		batch.Attempts++
		lastErr = caller.Do(ctx, func(ctx context.Context) error {
			r, err := m.port.DispatchBatch(ctx, members)
			if err != nil {
				return err
			}
			receipt = r
			return nil
		})
		if lastErr == nil {
			break
		}
		if faults.Is(lastErr, faults.CodeCircuitOpen) {
			break
		}
	}

	now := m.now().UTC()
	if lastErr != nil {
		batch.Status = BatchFailed
		if err := m.store.SaveBatch(ctx, batch); err != nil {
			return err
		}
		for _, item := range members {
			item.Status = StatusFailed
			item.LastError = lastErr.Error()
			item.Attempts = batch.Attempts
			item.UpdatedAt = now
			if err := m.store.SaveSettlement(ctx, item); err != nil {
				return err
			}
			m.metrics.RecordSettlement(string(ModeBatched), batch.Chain, "failed")
			if m.observer != nil {
				m.observer.SettlementFailed(ctx, item, lastErr)
			}
		}
		return faults.Wrap(faults.CodeChainSubmissionFailed, lastErr,
			"batch %s to %s after %d attempts", batch.BatchID, batch.Chain, batch.Attempts)
	}

	batch.Status = BatchConfirmed
	if err := m.store.SaveBatch(ctx, batch); err != nil {
		return err
	}
	m.metrics.ObserveBatch(len(members))
	for _, item := range members {
		item.Status = StatusConfirmed
		item.TxHash = receipt.TxHash
		item.BlockNumber = receipt.BlockNumber
		item.AuditAnchor = receipt.AuditAnchor
		item.Attempts = batch.Attempts
		item.UpdatedAt = now
		if err := m.store.SaveSettlement(ctx, item); err != nil {
			return err
		}
		m.metrics.RecordSettlement(string(ModeBatched), batch.Chain, "confirmed")
		if m.observer != nil {
			m.observer.SettlementConfirmed(ctx, item, receipt)
		}
	}
	m.logger.Info("batch confirmed",
		slog.String("batch_id", batch.BatchID),
		slog.String("chain", batch.Chain),
		slog.Int("size", len(members)),
		slog.String("tx_hash", receipt.TxHash),
	)
	return nil
}

// GetSettlement returns one settlement by id.
func (m *Manager) GetSettlement(ctx context.Context, settlementID string) (*Settlement, error) {
	return m.store.GetSettlement(ctx, settlementID)
}

// GetTransaction reads a transaction from the chain port, wrapped by the
// chain's reliability caller.
func (m *Manager) GetTransaction(ctx context.Context, chain, txHash string) (*ChainTx, error) {
	var tx *ChainTx
	err := m.chainCaller(chain).Do(ctx, func(ctx context.Context) error {
		t, err := m.port.GetTransaction(ctx, txHash)
		if err != nil {
			return err
		}
		tx = t
		return nil
	})
	return tx, err
}
