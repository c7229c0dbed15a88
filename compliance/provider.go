// Package compliance evaluates payment mandates against policy before any
// funds move. Evaluation is fail-closed: a provider that cannot answer is a
// denial.
package compliance

import (
	"context"

	"agentpay/mandate"
)

// Rule ids surfaced on denials that do not come from a specific policy rule.
const (
	RuleFailClosed      = "evaluation_error_failclosed"
	RuleTokenAllowlist  = "token_allowlist"
	RuleAmountCap       = "amount_cap"
	RuleDestinationList = "destination_blocklist"
	RuleSanctionsScreen = "sanctions_screen"
)

// Evaluation is one provider's verdict on a mandate chain.
type Evaluation struct {
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason,omitempty"`
	RuleID   string `json:"rule_id,omitempty"`
	Provider string `json:"provider"`
}

// Provider is the compliance evaluation port.
type Provider interface {
	Name() string
	Evaluate(ctx context.Context, chain *mandate.Chain) (*Evaluation, error)
}

// Chained evaluates through a primary provider and falls back to a
// secondary when the primary cannot answer. A provider's verdict, allow or
// deny, is final; only evaluation errors fall through.
type Chained struct {
	primary  Provider
	fallback Provider
}

// NewChained builds a primary→fallback provider pair.
func NewChained(primary, fallback Provider) *Chained {
	return &Chained{primary: primary, fallback: fallback}
}

// Name implements Provider.
func (c *Chained) Name() string {
	return c.primary.Name() + "+" + c.fallback.Name()
}

// Evaluate implements Provider.
func (c *Chained) Evaluate(ctx context.Context, chain *mandate.Chain) (*Evaluation, error) {
	evaluation, err := c.primary.Evaluate(ctx, chain)
	if err == nil {
		return evaluation, nil
	}
	return c.fallback.Evaluate(ctx, chain)
}
