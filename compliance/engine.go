package compliance

import (
	"context"
	"log/slog"
	"time"

	"agentpay/audit"
	"agentpay/mandate"
)

// Result is the preflight verdict handed to the payment executor. AuditID
// points at the trail entry recording the decision.
type Result struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	Provider string `json:"provider"`
	AuditID  string `json:"audit_id"`
}

// Engine runs compliance preflight and records every decision, allow or
// deny, in the audit trail.
type Engine struct {
	provider Provider
	trail    *audit.Trail
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption customises the engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.now = clock }
}

// NewEngine constructs the compliance engine over a provider and the audit
// trail.
func NewEngine(provider Provider, trail *audit.Trail, opts ...EngineOption) *Engine {
	e := &Engine{
		provider: provider,
		trail:    trail,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Preflight evaluates the mandate chain. Provider failures fail closed: the
// payment is denied with rule_id evaluation_error_failclosed and the denial
// is still audited. An error is returned only when the audit write itself
// fails, and the verdict is a denial in that case too.
func (e *Engine) Preflight(ctx context.Context, chain *mandate.Chain) (*Result, error) {
	evaluation, err := e.provider.Evaluate(ctx, chain)
	if err != nil {
		e.logger.Warn("compliance evaluation failed closed",
			slog.String("provider", e.provider.Name()),
			slog.String("error", err.Error()),
		)
		evaluation = &Evaluation{
			Allowed:  false,
			Reason:   err.Error(),
			RuleID:   RuleFailClosed,
			Provider: e.provider.Name(),
		}
	}

	result := &Result{
		Allowed:  evaluation.Allowed,
		Reason:   evaluation.Reason,
		RuleID:   evaluation.RuleID,
		Provider: evaluation.Provider,
	}

	decision := audit.DecisionAllowed
	if !result.Allowed {
		decision = audit.DecisionDenied
	}
	metadata := map[string]string{"provider": result.Provider}
	if result.RuleID != "" {
		metadata["rule_id"] = result.RuleID
	}
	if result.Reason != "" {
		metadata["reason"] = result.Reason
	}
	var mandateID, subject string
	if chain != nil && chain.Payment != nil {
		mandateID = chain.Payment.MandateID
		subject = chain.Payment.Subject
		metadata["token"] = chain.Payment.Token
		metadata["chain"] = chain.Payment.Chain
		if chain.Payment.AmountMinor != nil {
			metadata["amount_minor"] = chain.Payment.AmountMinor.String()
		}
		if chain.Payment.AuditHash != "" {
			metadata["audit_hash"] = chain.Payment.AuditHash
		}
	}
	receipt, auditErr := e.trail.Append(ctx, audit.Record{
		MandateID: mandateID,
		Subject:   subject,
		Decision:  decision,
		Metadata:  metadata,
	})
	if auditErr != nil {
		// The decision stands but is unrecorded, which the executor
		// must treat as a denial.
		result.Allowed = false
		if result.RuleID == "" {
			result.RuleID = RuleFailClosed
		}
		return result, auditErr
	}
	result.AuditID = receipt.EntryID

	e.logger.Info("compliance preflight",
		slog.String("subject", subject),
		slog.String("mandate_id", mandateID),
		slog.Bool("allowed", result.Allowed),
		slog.String("rule_id", result.RuleID),
		slog.String("audit_id", result.AuditID),
	)
	return result, nil
}
