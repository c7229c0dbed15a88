// Package executor drives one payment through the full pipeline: mandate
// verification, compliance preflight, fund reservation, settlement
// dispatch, and ledger recording. Within one payment the pipeline is
// sequential; independent payments run concurrently.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/compliance"
	"agentpay/faults"
	"agentpay/hybrid"
	"agentpay/ledger"
	"agentpay/mandate"
	"agentpay/observability"
	"agentpay/settlement"
	"agentpay/subledger"
)

// State is a position in the payment pipeline.
type State string

const (
	StateReceived    State = "received"
	StateVerifying   State = "verifying"
	StateScreening   State = "screening"
	StateDispatching State = "dispatching"
	StateSubmitted   State = "submitted"
	StateConfirmed   State = "confirmed"
	StateRecorded    State = "recorded"
	StateRejected    State = "rejected"
	StateDenied      State = "denied"
	StateFailed      State = "failed"
)

// ResultKind is the caller-facing verdict.
type ResultKind string

const (
	ResultAccepted ResultKind = "accepted"
	ResultDenied   ResultKind = "denied"
	ResultFailed   ResultKind = "failed"
)

// Request carries one payment into the pipeline.
type Request struct {
	Mandates *mandate.Chain
	// AccountID is the subledger account funding the payment.
	AccountID string
	// TokenDecimals scales AmountMinor into a decimal amount; 6 when zero.
	TokenDecimals int32
}

// Outcome reports the terminal pipeline state and the artefacts produced
// along the way.
type Outcome struct {
	PaymentID     string      `json:"payment_id"`
	State         State       `json:"state"`
	Result        ResultKind  `json:"result"`
	ErrorCode     faults.Code `json:"error_code,omitempty"`
	RuleID        string      `json:"rule_id,omitempty"`
	AuditID       string      `json:"audit_id,omitempty"`
	LedgerEntryID string      `json:"ledger_entry_id,omitempty"`
	SettlementID  string      `json:"settlement_id,omitempty"`
	TxHash        string      `json:"tx_hash,omitempty"`
	SubledgerTxs  []string    `json:"subledger_txs,omitempty"`
}

const defaultTokenDecimals = 6

// Executor owns the pipeline dependencies. All of them are passed in at
// construction; nothing is resolved from globals.
type Executor struct {
	verifier *mandate.Verifier
	screen   *compliance.Engine
	chains   *settlement.Manager
	books    *hybrid.Ledger
	accounts *subledger.Service
	metrics  *observability.ExecutorMetrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	deadline time.Duration
	paused   atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]pendingSettlement
}

// pendingSettlement carries the ledger context for one batched payment
// between acceptance and its batch reaching a terminal status.
type pendingSettlement struct {
	mandateID string
	subject   string
	accountID string
	amount    amount.Amount
	token     string
	chain     string
	auditHash string
	reserved  bool
}

// Option customises the executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.now = clock }
}

// WithDeadline bounds one pipeline run end to end. Zero disables it.
func WithDeadline(d time.Duration) Option {
	return func(e *Executor) { e.deadline = d }
}

// New wires the pipeline. The subledger service may be nil when agents are
// funded directly on the main ledger.
func New(verifier *mandate.Verifier, screen *compliance.Engine, chains *settlement.Manager, books *hybrid.Ledger, accounts *subledger.Service, opts ...Option) *Executor {
	e := &Executor{
		verifier: verifier,
		screen:   screen,
		chains:   chains,
		books:    books,
		accounts: accounts,
		metrics:  observability.Executor(),
		tracer:   otel.Tracer("agentpay/executor"),
		logger:   slog.Default(),
		now:      time.Now,
		pending:  make(map[string]pendingSettlement),
	}
	for _, opt := range opts {
		opt(e)
	}
	if chains != nil {
		chains.SetObserver(batchOutcomes{e})
	}
	return e
}

// batchOutcomes receives deferred batch results from the settlement
// manager and completes the pipeline for the affected payments.
type batchOutcomes struct{ e *Executor }

func (b batchOutcomes) SettlementConfirmed(ctx context.Context, item *settlement.Settlement, receipt *settlement.Receipt) {
	b.e.recordBatchMember(ctx, item, receipt)
}

func (b batchOutcomes) SettlementFailed(ctx context.Context, item *settlement.Settlement, cause error) {
	b.e.compensateBatchMember(ctx, item, cause)
}

// Pause stops the executor accepting new payments. In-flight payments run
// to completion.
func (e *Executor) Pause() { e.paused.Store(true) }

// Resume re-opens the executor.
func (e *Executor) Resume() { e.paused.Store(false) }

// Paused reports the admin pause flag.
func (e *Executor) Paused() bool { return e.paused.Load() }

// Execute runs one payment through the pipeline and returns its terminal
// outcome. The returned error carries the taxonomy code that also appears
// on the outcome.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	start := e.now()
	outcome := &Outcome{State: StateReceived, Result: ResultFailed}
	defer func() {
		e.metrics.RecordPayment(string(outcome.State), string(outcome.ErrorCode), e.now().Sub(start))
	}()

	if e.paused.Load() {
		outcome.State = StateFailed
		outcome.ErrorCode = faults.CodeProviderUnavailable
		return outcome, faults.New(faults.CodeProviderUnavailable, "executor is paused")
	}
	if req == nil || req.Mandates == nil || req.Mandates.Payment == nil {
		outcome.State = StateRejected
		outcome.Result = ResultDenied
		outcome.ErrorCode = faults.CodePolicyViolation
		return outcome, faults.New(faults.CodePolicyViolation, "payment request incomplete")
	}
	payment := req.Mandates.Payment
	outcome.PaymentID = payment.MandateID

	if e.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.deadline)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "executor.execute",
		trace.WithAttributes(
			attribute.String("payment.mandate_id", payment.MandateID),
			attribute.String("payment.token", payment.Token),
			attribute.String("payment.chain", payment.Chain),
		))
	defer span.End()

	outcome.State = StateVerifying
	if err := e.verifier.VerifyChain(ctx, req.Mandates); err != nil {
		outcome.State = StateRejected
		outcome.Result = ResultDenied
		outcome.ErrorCode = errorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}

	outcome.State = StateScreening
	verdict, err := e.screen.Preflight(ctx, req.Mandates)
	if verdict != nil {
		outcome.AuditID = verdict.AuditID
		outcome.RuleID = verdict.RuleID
	}
	if err != nil {
		outcome.State = StateDenied
		outcome.Result = ResultDenied
		outcome.ErrorCode = errorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	if !verdict.Allowed {
		outcome.State = StateDenied
		outcome.Result = ResultDenied
		outcome.ErrorCode = faults.CodeComplianceDenied
		span.SetStatus(codes.Error, verdict.Reason)
		return outcome, faults.New(faults.CodeComplianceDenied, "%s: %s", verdict.RuleID, verdict.Reason)
	}

	decimals := req.TokenDecimals
	if decimals == 0 {
		decimals = defaultTokenDecimals
	}
	amt := amount.FromMinor(payment.AmountMinor, decimals)

	outcome.State = StateDispatching
	var reserved bool
	if e.accounts != nil && req.AccountID != "" {
		debit, err := e.accounts.Withdraw(ctx, req.AccountID, amt, payment.MandateID)
		if err != nil {
			outcome.State = StateFailed
			outcome.ErrorCode = errorCode(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return outcome, err
		}
		outcome.SubledgerTxs = append(outcome.SubledgerTxs, debit.TxID)
		reserved = true
	}

	item, err := e.chains.Settle(ctx, &settlement.Request{
		TxID:        payment.MandateID,
		Chain:       payment.Chain,
		Token:       payment.Token,
		Destination: payment.Destination,
		Amount:      amt,
	})
	if item != nil {
		outcome.SettlementID = item.SettlementID
	}
	if err != nil {
		e.compensate(ctx, req, outcome, amt, reserved, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}

	outcome.State = StateSubmitted
	outcome.TxHash = item.TxHash
	if item.Status == settlement.StatusFailed {
		// A batch that filled during Settle flushes inline and can
		// exhaust its retries before Settle returns.
		err := faults.New(faults.CodeChainSubmissionFailed, "settlement %s: %s", item.SettlementID, item.LastError)
		e.compensate(ctx, req, outcome, amt, reserved, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	if item.Status != settlement.StatusConfirmed {
		// Batched settlements confirm when the batch flushes; the
		// payment is accepted and the ledger write happens when the
		// manager reports the batch outcome.
		e.trackPending(item.SettlementID, pendingSettlement{
			mandateID: payment.MandateID,
			subject:   payment.Subject,
			accountID: req.AccountID,
			amount:    amt,
			token:     payment.Token,
			chain:     payment.Chain,
			auditHash: payment.AuditHash,
			reserved:  reserved,
		})
		e.catchUpPending(ctx, item.SettlementID)
		outcome.Result = ResultAccepted
		span.SetStatus(codes.Ok, "queued for batch settlement")
		return outcome, nil
	}

	outcome.State = StateConfirmed
	entry, err := e.books.CreateEntry(ctx, &ledger.EntryRequest{
		TxID:        payment.MandateID,
		AccountID:   payment.Subject,
		Type:        ledger.TypeDebit,
		Amount:      amt,
		Currency:    payment.Token,
		Chain:       payment.Chain,
		ChainTxHash: item.TxHash,
		BlockNumber: item.BlockNumber,
		Metadata:    map[string]string{"audit_hash": payment.AuditHash},
	})
	if err != nil {
		// Funds moved on chain but the books did not record it; the
		// reconciler's managed-address scan surfaces the gap.
		outcome.State = StateFailed
		outcome.ErrorCode = errorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return outcome, err
	}
	outcome.LedgerEntryID = entry.EntryID
	outcome.State = StateRecorded
	outcome.Result = ResultAccepted
	span.SetAttributes(attribute.String("ledger.entry_id", entry.EntryID))
	span.SetStatus(codes.Ok, "recorded")
	return outcome, nil
}

func (e *Executor) trackPending(settlementID string, p pendingSettlement) {
	e.pendingMu.Lock()
	e.pending[settlementID] = p
	e.pendingMu.Unlock()
}

func (e *Executor) takePending(settlementID string) (pendingSettlement, bool) {
	e.pendingMu.Lock()
	p, ok := e.pending[settlementID]
	if ok {
		delete(e.pending, settlementID)
	}
	e.pendingMu.Unlock()
	return p, ok
}

// catchUpPending closes the window where the flush loop reported a batch
// outcome before the pending record existed. takePending is take-once, so
// a concurrent observer callback and this re-check cannot both act.
func (e *Executor) catchUpPending(ctx context.Context, settlementID string) {
	latest, err := e.chains.GetSettlement(ctx, settlementID)
	if err != nil || latest == nil {
		return
	}
	switch latest.Status {
	case settlement.StatusConfirmed:
		e.recordBatchMember(ctx, latest, &settlement.Receipt{
			TxHash:      latest.TxHash,
			Chain:       latest.Chain,
			BlockNumber: latest.BlockNumber,
			AuditAnchor: latest.AuditAnchor,
		})
	case settlement.StatusFailed:
		e.compensateBatchMember(ctx, latest,
			faults.New(faults.CodeChainSubmissionFailed, "settlement %s: %s", latest.SettlementID, latest.LastError))
	}
}

// recordBatchMember writes the hybrid ledger entry for a batched payment
// once its batch confirms, mirroring the synchronous confirmed path.
func (e *Executor) recordBatchMember(ctx context.Context, item *settlement.Settlement, receipt *settlement.Receipt) {
	p, ok := e.takePending(item.SettlementID)
	if !ok {
		return
	}
	entry, err := e.books.CreateEntry(ctx, &ledger.EntryRequest{
		TxID:        p.mandateID,
		AccountID:   p.subject,
		Type:        ledger.TypeDebit,
		Amount:      p.amount,
		Currency:    p.token,
		Chain:       p.chain,
		ChainTxHash: receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
		Metadata:    map[string]string{"audit_hash": p.auditHash},
	})
	if err != nil {
		// Funds moved on chain but the books did not record it; the
		// reconciler's managed-address scan surfaces the gap.
		e.logger.Error("batched settlement not recorded",
			slog.String("settlement_id", item.SettlementID),
			slog.String("mandate_id", p.mandateID),
			slog.String("error", err.Error()),
		)
		return
	}
	e.logger.Info("batched settlement recorded",
		slog.String("settlement_id", item.SettlementID),
		slog.String("ledger_entry_id", entry.EntryID),
		slog.String("tx_hash", receipt.TxHash),
	)
}

// compensateBatchMember unwinds the reserved debit for a batched payment
// whose batch exhausted its retries, writing the same audit pair as the
// synchronous failure path.
func (e *Executor) compensateBatchMember(ctx context.Context, item *settlement.Settlement, cause error) {
	p, ok := e.takePending(item.SettlementID)
	if !ok {
		return
	}
	if _, err := e.books.Trail().Append(ctx, audit.Record{
		MandateID: p.mandateID,
		Subject:   p.subject,
		Decision:  audit.DecisionSettlementFailed,
		Metadata: map[string]string{
			"error":      cause.Error(),
			"error_code": string(errorCode(cause)),
			"amount":     amount.Canonical(p.amount),
			"token":      p.token,
			"chain":      p.chain,
			"audit_hash": p.auditHash,
		},
	}); err != nil {
		e.logger.Error("settlement failure audit write failed",
			slog.String("mandate_id", p.mandateID),
			slog.String("error", err.Error()),
		)
	}
	if !p.reserved {
		return
	}
	if _, err := e.accounts.Deposit(ctx, p.accountID, p.amount, "compensation:"+p.mandateID); err != nil {
		e.logger.Error("batch compensation failed",
			slog.String("mandate_id", p.mandateID),
			slog.String("account_id", p.accountID),
			slog.String("error", err.Error()),
		)
		return
	}
	if _, err := e.books.Trail().Append(ctx, audit.Record{
		MandateID: p.mandateID,
		Subject:   p.subject,
		Decision:  audit.DecisionCompensation,
		Metadata: map[string]string{
			"amount":     amount.Canonical(p.amount),
			"reference":  "compensation:" + p.mandateID,
			"audit_hash": p.auditHash,
		},
	}); err != nil {
		e.logger.Error("compensation audit write failed",
			slog.String("mandate_id", p.mandateID),
			slog.String("error", err.Error()),
		)
	}
}

// compensate unwinds a reserved subledger debit after a dispatch failure
// and audits both the failure and the compensation.
func (e *Executor) compensate(ctx context.Context, req *Request, outcome *Outcome, amt amount.Amount, reserved bool, cause error) {
	payment := req.Mandates.Payment
	outcome.State = StateFailed
	outcome.ErrorCode = errorCode(cause)

	if _, err := e.books.Trail().Append(ctx, audit.Record{
		MandateID: payment.MandateID,
		Subject:   payment.Subject,
		Decision:  audit.DecisionSettlementFailed,
		Metadata: map[string]string{
			"error":      cause.Error(),
			"error_code": string(outcome.ErrorCode),
			"amount":     amount.Canonical(amt),
			"token":      payment.Token,
			"chain":      payment.Chain,
			"audit_hash": payment.AuditHash,
		},
	}); err != nil {
		e.logger.Error("settlement failure audit write failed",
			slog.String("mandate_id", payment.MandateID),
			slog.String("error", err.Error()),
		)
	}

	if !reserved {
		return
	}
	credit, err := e.accounts.Deposit(ctx, req.AccountID, amt, "compensation:"+payment.MandateID)
	if err != nil {
		e.logger.Error("dispatch compensation failed",
			slog.String("mandate_id", payment.MandateID),
			slog.String("account_id", req.AccountID),
			slog.String("error", err.Error()),
		)
		return
	}
	outcome.SubledgerTxs = append(outcome.SubledgerTxs, credit.TxID)
	if _, err := e.books.Trail().Append(ctx, audit.Record{
		MandateID: payment.MandateID,
		Subject:   payment.Subject,
		Decision:  audit.DecisionCompensation,
		Metadata: map[string]string{
			"amount":     amount.Canonical(amt),
			"reference":  "compensation:" + payment.MandateID,
			"audit_hash": payment.AuditHash,
		},
	}); err != nil {
		e.logger.Error("compensation audit write failed",
			slog.String("mandate_id", payment.MandateID),
			slog.String("error", err.Error()),
		)
	}
}

// errorCode maps an error to its taxonomy code, classifying deadline
// expiry explicitly.
func errorCode(err error) faults.Code {
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.CodeRequestTimeout
	}
	if code := faults.CodeOf(err); code != "" {
		return code
	}
	return faults.CodeProviderUnavailable
}
