package compliance

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"agentpay/mandate"
)

// Policy is the rule set evaluated by the rules provider. It is loaded from
// a TOML file at startup and may be reloaded through the admin surface.
type Policy struct {
	Tokens       TokenPolicy       `toml:"tokens"`
	Caps         []AmountCap       `toml:"caps"`
	Destinations DestinationPolicy `toml:"destinations"`
}

// TokenPolicy allows payments only in listed tokens. An empty allowlist
// allows every token.
type TokenPolicy struct {
	Allowlist []string `toml:"allowlist"`
}

// AmountCap bounds a single payment in one token, in minor units.
type AmountCap struct {
	Token    string `toml:"token"`
	MaxMinor int64  `toml:"max_minor"`
}

// DestinationPolicy denies payments to listed destinations.
type DestinationPolicy struct {
	Blocklist []string `toml:"blocklist"`
}

// LoadPolicy parses a TOML policy file.
func LoadPolicy(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compliance: read policy: %w", err)
	}
	return ParsePolicy(string(raw))
}

// ParsePolicy parses TOML policy text.
func ParsePolicy(raw string) (*Policy, error) {
	var policy Policy
	if err := toml.Unmarshal([]byte(raw), &policy); err != nil {
		return nil, fmt.Errorf("compliance: parse policy: %w", err)
	}
	return &policy, nil
}

// RuleProvider evaluates the static policy rules in order: token allowlist,
// destination blocklist, then amount caps. First matching denial wins.
type RuleProvider struct {
	policy *Policy
}

// NewRuleProvider constructs the rules provider.
func NewRuleProvider(policy *Policy) *RuleProvider {
	return &RuleProvider{policy: policy}
}

// Name implements Provider.
func (p *RuleProvider) Name() string { return "rules" }

// Evaluate implements Provider.
func (p *RuleProvider) Evaluate(_ context.Context, chain *mandate.Chain) (*Evaluation, error) {
	if chain == nil || chain.Payment == nil {
		return nil, fmt.Errorf("compliance: mandate chain has no payment")
	}
	payment := chain.Payment

	if len(p.policy.Tokens.Allowlist) > 0 && !containsFold(p.policy.Tokens.Allowlist, payment.Token) {
		return &Evaluation{
			Allowed:  false,
			Reason:   fmt.Sprintf("token %s is not on the allowlist", payment.Token),
			RuleID:   RuleTokenAllowlist,
			Provider: p.Name(),
		}, nil
	}

	if containsFold(p.policy.Destinations.Blocklist, payment.Destination) {
		return &Evaluation{
			Allowed:  false,
			Reason:   fmt.Sprintf("destination %s is blocked", payment.Destination),
			RuleID:   RuleDestinationList,
			Provider: p.Name(),
		}, nil
	}

	for _, limit := range p.policy.Caps {
		if !strings.EqualFold(limit.Token, payment.Token) {
			continue
		}
		if payment.AmountMinor != nil && payment.AmountMinor.Cmp(big.NewInt(limit.MaxMinor)) > 0 {
			return &Evaluation{
				Allowed:  false,
				Reason:   fmt.Sprintf("amount %s exceeds the %s cap of %d", payment.AmountMinor, limit.Token, limit.MaxMinor),
				RuleID:   RuleAmountCap,
				Provider: p.Name(),
			}, nil
		}
	}

	return &Evaluation{Allowed: true, Provider: p.Name()}, nil
}

func containsFold(list []string, value string) bool {
	for _, candidate := range list {
		if strings.EqualFold(candidate, value) {
			return true
		}
	}
	return false
}
