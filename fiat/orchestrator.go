package fiat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentpay/amount"
	"agentpay/audit"
	"agentpay/faults"
	"agentpay/subledger"
)

// FlowStatus is the caller-visible outcome of an orchestrated flow.
type FlowStatus string

const (
	FlowCompleted FlowStatus = "completed"
	FlowPending   FlowStatus = "pending"
	FlowFailed    FlowStatus = "failed"
)

// Flow kinds.
const (
	KindWithdrawToBank     = "withdraw_to_bank"
	KindBankDeposit        = "bank_deposit"
	KindFundCardFromCrypto = "fund_card_from_crypto"
)

// Result reports a flow's status and every subledger transaction it
// produced, compensations included.
type Result struct {
	FlowID      string      `json:"flow_id"`
	Kind        string      `json:"kind"`
	Status      FlowStatus  `json:"status"`
	LedgerTxIDs []string    `json:"ledger_tx_ids,omitempty"`
	ProviderRef string      `json:"provider_ref,omitempty"`
	ErrorCode   faults.Code `json:"error_code,omitempty"`
}

// cardFunding tracks an off-ramp session awaiting the provider webhook.
type cardFunding struct {
	flowID    string
	accountID string
	amt       amount.Amount
}

// Orchestrator runs the fiat flows over the subledger and provider ports.
// Webhook application is idempotent, keyed by the provider event id.
type Orchestrator struct {
	accounts *subledger.Service
	treasury TreasuryPort
	ramp     RampPort
	trail    *audit.Trail
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	funding map[string]*cardFunding // ramp session id → awaited credit
	applied map[string]struct{}     // provider event ids already applied
}

// Option customises the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithAuditTrail records compensations and webhook applications on the
// audit chain.
func WithAuditTrail(trail *audit.Trail) Option {
	return func(o *Orchestrator) { o.trail = trail }
}

// New constructs an orchestrator. The ramp port may be nil when card
// funding is not offered.
func New(accounts *subledger.Service, treasury TreasuryPort, ramp RampPort, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		accounts: accounts,
		treasury: treasury,
		ramp:     ramp,
		logger:   slog.Default(),
		now:      time.Now,
		funding:  make(map[string]*cardFunding),
		applied:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithdrawToBank debits the agent's subledger and creates an outbound
// treasury payment. A treasury failure compensates with a credit
// referencing the failed attempt.
func (o *Orchestrator) WithdrawToBank(ctx context.Context, accountID string, amt amount.Amount, destination string) (*Result, error) {
	result := &Result{FlowID: "flow_" + uuid.NewString(), Kind: KindWithdrawToBank}

	account, err := o.accounts.GetAccount(ctx, accountID)
	if err != nil {
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeOf(err)
		return result, err
	}
	if account.Available.LessThan(amt) {
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeInsufficientBalance
		return result, faults.New(faults.CodeInsufficientBalance,
			"account %s has %s available, needs %s",
			accountID, amount.Canonical(account.Available), amount.Canonical(amt))
	}

	debit, err := o.accounts.Withdraw(ctx, accountID, amt, result.FlowID)
	if err != nil {
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeOf(err)
		return result, err
	}
	result.LedgerTxIDs = append(result.LedgerTxIDs, debit.TxID)

	transfer, err := o.treasury.CreateOutboundPayment(ctx, amt, destination)
	if err != nil {
		credit, compErr := o.accounts.Deposit(ctx, accountID, amt, "compensation:"+result.FlowID)
		if compErr != nil {
			// The debit stands with no outbound payment; this drift is
			// what the treasury reconcile pass surfaces.
			o.logger.Error("withdraw compensation failed",
				slog.String("flow_id", result.FlowID),
				slog.String("error", compErr.Error()),
			)
		} else {
			result.LedgerTxIDs = append(result.LedgerTxIDs, credit.TxID)
		}
		o.audit(ctx, accountID, audit.DecisionCompensation, map[string]string{
			"flow_id": result.FlowID,
			"kind":    result.Kind,
			"amount":  amount.Canonical(amt),
			"cause":   err.Error(),
		})
		result.Status = FlowFailed
		result.ErrorCode = providerCode(err)
		return result, faults.Wrap(result.ErrorCode, err, "treasury outbound payment")
	}
	result.ProviderRef = transfer.ID
	switch transfer.Status {
	case TransferCompleted:
		result.Status = FlowCompleted
	default:
		result.Status = FlowPending
	}
	return result, nil
}

// BeginBankDeposit records an announced inbound deposit as pending funds.
// The treasury webhook later confirms or fails it.
func (o *Orchestrator) BeginBankDeposit(ctx context.Context, accountID string, amt amount.Amount, providerRef string) (*Result, error) {
	result := &Result{FlowID: "flow_" + uuid.NewString(), Kind: KindBankDeposit, ProviderRef: providerRef}
	tx, err := o.accounts.BeginDeposit(ctx, accountID, amt, providerRef)
	if err != nil {
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeOf(err)
		return result, err
	}
	result.LedgerTxIDs = append(result.LedgerTxIDs, tx.TxID)
	result.Status = FlowPending
	return result, nil
}

// TreasuryEvent is one webhook notification from the treasury provider.
type TreasuryEvent struct {
	EventID   string        `json:"event_id"`
	Type      string        `json:"type"` // deposit_completed | deposit_failed
	AccountID string        `json:"account_id"`
	Amount    amount.Amount `json:"amount"`
	Reference string        `json:"reference"`
}

// ApplyTreasuryWebhook settles a pending deposit. Replayed events are
// acknowledged without effect.
func (o *Orchestrator) ApplyTreasuryWebhook(ctx context.Context, event *TreasuryEvent) error {
	if !o.markApplied(event.EventID) {
		return nil
	}
	var err error
	switch event.Type {
	case "deposit_completed":
		_, err = o.accounts.ConfirmDeposit(ctx, event.AccountID, event.Amount, event.Reference)
	case "deposit_failed":
		_, err = o.accounts.FailDeposit(ctx, event.AccountID, event.Amount, event.Reference)
	default:
		err = faults.New(faults.CodeInvariantViolated, "unknown treasury event type %q", event.Type)
	}
	if err != nil {
		o.unmarkApplied(event.EventID)
		return err
	}
	o.audit(ctx, event.AccountID, "treasury_webhook", map[string]string{
		"event_id":  event.EventID,
		"type":      event.Type,
		"amount":    amount.Canonical(event.Amount),
		"reference": event.Reference,
	})
	return nil
}

// FundCardFromCrypto opens an off-ramp session. The subledger is credited
// and the issuing balance funded only once the provider reports the
// session completed; a pending session moves no money.
func (o *Orchestrator) FundCardFromCrypto(ctx context.Context, accountID string, amt amount.Amount) (*Result, error) {
	result := &Result{FlowID: "flow_" + uuid.NewString(), Kind: KindFundCardFromCrypto}
	if o.ramp == nil {
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeProviderUnavailable
		return result, faults.New(faults.CodeProviderUnavailable, "no off-ramp provider configured")
	}

	session, err := o.ramp.CreateOfframpSession(ctx, accountID, amt)
	if err != nil {
		result.Status = FlowFailed
		result.ErrorCode = providerCode(err)
		return result, faults.Wrap(result.ErrorCode, err, "off-ramp session")
	}
	result.ProviderRef = session.SessionID

	switch session.Status {
	case SessionCompleted:
		txIDs, err := o.settleCardFunding(ctx, accountID, amt, session.SessionID)
		result.LedgerTxIDs = txIDs
		if err != nil {
			result.Status = FlowFailed
			result.ErrorCode = faults.CodeOf(err)
			return result, err
		}
		result.Status = FlowCompleted
		return result, nil
	case SessionFailed:
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeProviderUnavailable
		return result, nil
	default:
		o.mu.Lock()
		o.funding[session.SessionID] = &cardFunding{
			flowID:    result.FlowID,
			accountID: accountID,
			amt:       amt,
		}
		o.mu.Unlock()
		result.Status = FlowPending
		return result, nil
	}
}

// RampEvent is one webhook notification from the off-ramp provider.
type RampEvent struct {
	EventID   string        `json:"event_id"`
	SessionID string        `json:"session_id"`
	Status    SessionStatus `json:"status"`
}

// ApplyRampWebhook completes or abandons a pending card funding. The
// credit and issuing transfer happen exactly once per session.
func (o *Orchestrator) ApplyRampWebhook(ctx context.Context, event *RampEvent) (*Result, error) {
	if !o.markApplied(event.EventID) {
		return nil, nil
	}
	o.mu.Lock()
	waiting, ok := o.funding[event.SessionID]
	if ok {
		delete(o.funding, event.SessionID)
	}
	o.mu.Unlock()
	if !ok {
		return nil, faults.New(faults.CodeNotFound, "no pending card funding for session %s", event.SessionID)
	}

	result := &Result{FlowID: waiting.flowID, Kind: KindFundCardFromCrypto, ProviderRef: event.SessionID}
	switch event.Status {
	case SessionCompleted:
		txIDs, err := o.settleCardFunding(ctx, waiting.accountID, waiting.amt, event.SessionID)
		result.LedgerTxIDs = txIDs
		if err != nil {
			result.Status = FlowFailed
			result.ErrorCode = faults.CodeOf(err)
			return result, err
		}
		result.Status = FlowCompleted
		return result, nil
	case SessionFailed:
		result.Status = FlowFailed
		result.ErrorCode = faults.CodeProviderUnavailable
		return result, nil
	default:
		// Still pending at the provider; keep waiting.
		o.mu.Lock()
		o.funding[event.SessionID] = waiting
		o.mu.Unlock()
		result.Status = FlowPending
		return result, nil
	}
}

// settleCardFunding credits the subledger and funds the issuing balance.
func (o *Orchestrator) settleCardFunding(ctx context.Context, accountID string, amt amount.Amount, sessionID string) ([]string, error) {
	credit, err := o.accounts.Deposit(ctx, accountID, amt, "ramp:"+sessionID)
	if err != nil {
		return nil, err
	}
	txIDs := []string{credit.TxID}

	if _, err := o.treasury.FundIssuingBalance(ctx, amt); err != nil {
		debit, compErr := o.accounts.Withdraw(ctx, accountID, amt, "compensation:ramp:"+sessionID)
		if compErr != nil {
			o.logger.Error("card funding compensation failed",
				slog.String("session_id", sessionID),
				slog.String("error", compErr.Error()),
			)
		} else {
			txIDs = append(txIDs, debit.TxID)
		}
		o.audit(ctx, accountID, audit.DecisionCompensation, map[string]string{
			"session_id": sessionID,
			"kind":       KindFundCardFromCrypto,
			"amount":     amount.Canonical(amt),
			"cause":      err.Error(),
		})
		return txIDs, faults.Wrap(providerCode(err), err, "fund issuing balance")
	}
	return txIDs, nil
}

// PendingFundings reports the ramp sessions still awaiting a webhook.
func (o *Orchestrator) PendingFundings() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.funding))
	for id := range o.funding {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) markApplied(eventID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, seen := o.applied[eventID]; seen {
		return false
	}
	o.applied[eventID] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkApplied(eventID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.applied, eventID)
}

func (o *Orchestrator) audit(ctx context.Context, subject, decision string, metadata map[string]string) {
	if o.trail == nil {
		return
	}
	if _, err := o.trail.Append(ctx, audit.Record{
		Subject:  subject,
		Decision: decision,
		Metadata: metadata,
	}); err != nil {
		o.logger.Error("fiat audit append failed", slog.String("error", err.Error()))
	}
}

// providerCode preserves an existing taxonomy code and classifies raw
// provider errors as unavailability.
func providerCode(err error) faults.Code {
	if code := faults.CodeOf(err); code != "" {
		return code
	}
	return faults.CodeProviderUnavailable
}
