package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentpay/amount"
	"agentpay/faults"
	"agentpay/mandate"
)

// Risk grades a screening outcome.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
	RiskSevere Risk = "severe"
)

// ScreeningResult is a sanctions verdict. ErrKind is set when the provider
// could not evaluate; callers branch on it rather than parsing Reason text.
type ScreeningResult struct {
	Risk       Risk        `json:"risk"`
	Sanctioned bool        `json:"is_sanctioned"`
	Matches    []string    `json:"matches,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	ErrKind    faults.Code `json:"err_kind,omitempty"`
}

// SanctionsPort screens wallets and transactions against sanctions lists.
type SanctionsPort interface {
	ScreenWallet(ctx context.Context, address, chain string) (*ScreeningResult, error)
	ScreenTransaction(ctx context.Context, from, to string, amt amount.Amount, token string) (*ScreeningResult, error)
}

// FailoverSanctions screens through a primary port and retries the fallback
// when the primary errors or reports an evaluation failure via ErrKind.
type FailoverSanctions struct {
	primary  SanctionsPort
	fallback SanctionsPort
}

// NewFailoverSanctions builds a primary→fallback sanctions pair.
func NewFailoverSanctions(primary, fallback SanctionsPort) *FailoverSanctions {
	return &FailoverSanctions{primary: primary, fallback: fallback}
}

// ScreenWallet implements SanctionsPort.
func (f *FailoverSanctions) ScreenWallet(ctx context.Context, address, chain string) (*ScreeningResult, error) {
	result, err := f.primary.ScreenWallet(ctx, address, chain)
	if err == nil && result.ErrKind == "" {
		return result, nil
	}
	return f.fallback.ScreenWallet(ctx, address, chain)
}

// ScreenTransaction implements SanctionsPort.
func (f *FailoverSanctions) ScreenTransaction(ctx context.Context, from, to string, amt amount.Amount, token string) (*ScreeningResult, error) {
	result, err := f.primary.ScreenTransaction(ctx, from, to, amt, token)
	if err == nil && result.ErrKind == "" {
		return result, nil
	}
	return f.fallback.ScreenTransaction(ctx, from, to, amt, token)
}

// SanctionsProvider adapts a sanctions port into the compliance provider
// chain, screening the payment destination.
type SanctionsProvider struct {
	port SanctionsPort
}

// NewSanctionsProvider wraps a sanctions port as a Provider.
func NewSanctionsProvider(port SanctionsPort) *SanctionsProvider {
	return &SanctionsProvider{port: port}
}

// Name implements Provider.
func (p *SanctionsProvider) Name() string { return "sanctions" }

// Evaluate implements Provider.
func (p *SanctionsProvider) Evaluate(ctx context.Context, chain *mandate.Chain) (*Evaluation, error) {
	if chain == nil || chain.Payment == nil {
		return nil, fmt.Errorf("compliance: mandate chain has no payment")
	}
	result, err := p.port.ScreenWallet(ctx, chain.Payment.Destination, chain.Payment.Chain)
	if err != nil {
		return nil, err
	}
	if result.ErrKind != "" {
		return nil, faults.New(result.ErrKind, "sanctions screening unavailable: %s", result.Reason)
	}
	if result.Sanctioned || result.Risk == RiskSevere {
		return &Evaluation{
			Allowed:  false,
			Reason:   result.Reason,
			RuleID:   RuleSanctionsScreen,
			Provider: p.Name(),
		}, nil
	}
	return &Evaluation{Allowed: true, Provider: p.Name()}, nil
}

// KYCStatus is the verification state reported by the KYC vendor.
type KYCStatus string

const (
	KYCNotStarted  KYCStatus = "not_started"
	KYCPending     KYCStatus = "pending"
	KYCApproved    KYCStatus = "approved"
	KYCDeclined    KYCStatus = "declined"
	KYCExpired     KYCStatus = "expired"
	KYCNeedsReview KYCStatus = "needs_review"
)

// KYCResult is one subject's verification state.
type KYCResult struct {
	Status              KYCStatus  `json:"status"`
	VerifiedAt          *time.Time `json:"verified_at,omitempty"`
	ExpiresAt           *time.Time `json:"expires_at,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	NeedsReverification bool       `json:"needs_reverification"`
}

// KYCPort is the external identity verification vendor.
type KYCPort interface {
	CreateInquiry(ctx context.Context, subject string) (inquiryID string, err error)
	GetStatus(ctx context.Context, inquiryID string) (*KYCResult, error)
	VerifyWebhook(payload, signature []byte) bool
}

// KYCChecker caches vendor results per subject. A cached approval past its
// expiry is downgraded to expired with reverification required, so a stale
// approval can never authorize a payment.
type KYCChecker struct {
	port KYCPort
	now  func() time.Time

	mu        sync.Mutex
	inquiries map[string]string // subject → inquiry id
	cache     map[string]*KYCResult
}

// NewKYCChecker constructs a checker over the vendor port.
func NewKYCChecker(port KYCPort, clock func() time.Time) *KYCChecker {
	if clock == nil {
		clock = time.Now
	}
	return &KYCChecker{
		port:      port,
		now:       clock,
		inquiries: make(map[string]string),
		cache:     make(map[string]*KYCResult),
	}
}

// Check returns the subject's current verification state, consulting the
// cache first and the vendor on a miss.
func (c *KYCChecker) Check(ctx context.Context, subject string) (*KYCResult, error) {
	c.mu.Lock()
	cached, ok := c.cache[subject]
	c.mu.Unlock()
	if ok {
		return c.applyExpiry(cached), nil
	}

	c.mu.Lock()
	inquiryID, ok := c.inquiries[subject]
	c.mu.Unlock()
	if !ok {
		id, err := c.port.CreateInquiry(ctx, subject)
		if err != nil {
			return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "create kyc inquiry for %s", subject)
		}
		c.mu.Lock()
		c.inquiries[subject] = id
		c.mu.Unlock()
		inquiryID = id
	}

	result, err := c.port.GetStatus(ctx, inquiryID)
	if err != nil {
		return nil, faults.Wrap(faults.CodeProviderUnavailable, err, "kyc status for %s", subject)
	}
	c.mu.Lock()
	c.cache[subject] = result
	c.mu.Unlock()
	return c.applyExpiry(result), nil
}

// ApplyWebhook updates the cached state for a subject from a verified
// vendor webhook. Unverifiable payloads are rejected.
func (c *KYCChecker) ApplyWebhook(subject string, result *KYCResult, payload, signature []byte) error {
	if !c.port.VerifyWebhook(payload, signature) {
		return faults.New(faults.CodeInvalidSignature, "kyc webhook signature rejected")
	}
	c.mu.Lock()
	c.cache[subject] = result
	c.mu.Unlock()
	return nil
}

func (c *KYCChecker) applyExpiry(result *KYCResult) *KYCResult {
	out := *result
	if out.Status == KYCApproved && out.ExpiresAt != nil && out.ExpiresAt.Before(c.now()) {
		out.Status = KYCExpired
		out.NeedsReverification = true
	}
	return &out
}

// Require returns nil only for a currently approved subject. Every other
// state maps to its taxonomy code.
func (c *KYCChecker) Require(ctx context.Context, subject string) error {
	result, err := c.Check(ctx, subject)
	if err != nil {
		return err
	}
	switch result.Status {
	case KYCApproved:
		return nil
	case KYCDeclined:
		return faults.New(faults.CodeComplianceDenied, "kyc declined for %s: %s", subject, result.Reason)
	default:
		return faults.New(faults.CodeKYCRequired, "kyc %s for %s", result.Status, subject)
	}
}
