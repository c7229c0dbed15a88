package mandate

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentpay/faults"
)

// SignatureVerifier is the signing port used to check mandate proofs. The
// algorithm is carried by the proof, never inferred.
type SignatureVerifier interface {
	Verify(ctx context.Context, payload, signature, publicKey []byte, algorithm string) (bool, error)
}

// Verifier validates a three-step intent, cart, payment authorization chain.
type Verifier struct {
	signatures SignatureVerifier
	nonces     NonceStore
	now        func() time.Time
	logger     *slog.Logger
}

// VerifierOption customises the verifier.
type VerifierOption func(*Verifier)

// WithClock sets the time source. Tests use this to pin expiry behaviour.
func WithClock(clock func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = clock }
}

// WithVerifierLogger supplies the structured logger.
func WithVerifierLogger(logger *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = logger }
}

// NewVerifier constructs a verifier over the signing port and nonce store.
func NewVerifier(signatures SignatureVerifier, nonces NonceStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		signatures: signatures,
		nonces:     nonces,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyChain validates the full mandate chain. Any failure is fatal for the
// request; the returned error carries the taxonomy code for the caller.
func (v *Verifier) VerifyChain(ctx context.Context, chain *Chain) error {
	if chain == nil || chain.Intent == nil || chain.Cart == nil || chain.Payment == nil {
		return faults.New(faults.CodePolicyViolation, "mandate chain incomplete")
	}
	intent, cart, payment := chain.Intent, chain.Cart, chain.Payment
	now := v.now()

	for _, step := range []struct {
		name    string
		expires time.Time
	}{
		{"intent", intent.ExpiresAt},
		{"cart", cart.ExpiresAt},
		{"payment", payment.ExpiresAt},
	} {
		if step.expires.IsZero() || !now.Before(step.expires) {
			return faults.New(faults.CodeExpiredMandate, "%s mandate expired at %s", step.name, step.expires.UTC().Format(time.RFC3339))
		}
	}

	subject := strings.TrimSpace(intent.Subject)
	if subject == "" || cart.Subject != subject || payment.Subject != subject {
		return faults.New(faults.CodePolicyViolation, "mandate subjects do not match")
	}

	if payment.AmountMinor == nil || payment.AmountMinor.Sign() <= 0 {
		return faults.New(faults.CodeInvalidAmount, "payment amount must be positive")
	}
	if intent.AuthorizedAmountMinor == nil || payment.AmountMinor.Cmp(intent.AuthorizedAmountMinor) > 0 {
		return faults.New(faults.CodePolicyViolation, "payment amount exceeds intent authorization")
	}

	expected := AuditHash(cart.MandateID, cart.CheckoutID, payment.AmountMinor, payment.Chain, payment.Token, payment.Destination)
	if !strings.EqualFold(payment.AuditHash, expected) {
		return faults.New(faults.CodeAuditHashMismatch, "payment audit hash does not bind the mandate chain")
	}

	if err := v.verifyProof(ctx, "intent", intent.Proof, func() ([]byte, error) { return CanonicalIntent(intent) }); err != nil {
		return err
	}
	if err := v.verifyProof(ctx, "cart", cart.Proof, func() ([]byte, error) { return CanonicalCart(cart) }); err != nil {
		return err
	}
	if err := v.verifyProof(ctx, "payment", payment.Proof, func() ([]byte, error) { return CanonicalPayment(payment) }); err != nil {
		return err
	}

	// Nonces are consumed only after every other check passes so a rejected
	// request does not burn the mandate.
	for _, step := range []struct {
		scope string
		nonce string
	}{
		{"intent", intent.Nonce},
		{"cart", cart.Nonce},
		{"payment", payment.Nonce},
	} {
		if strings.TrimSpace(step.nonce) == "" {
			return faults.New(faults.CodePolicyViolation, "%s mandate missing nonce", step.scope)
		}
		fresh, err := v.nonces.Consume(step.scope+":"+subject, step.nonce, now)
		if err != nil {
			return faults.Wrap(faults.CodeProviderUnavailable, err, "nonce store unavailable")
		}
		if !fresh {
			return faults.New(faults.CodeAlreadyExists, "%s mandate nonce replayed", step.scope)
		}
	}
	return nil
}

func (v *Verifier) verifyProof(ctx context.Context, step string, proof Proof, canonical func() ([]byte, error)) error {
	algorithm := strings.TrimSpace(proof.ProofType)
	switch algorithm {
	case AlgorithmEd25519, AlgorithmSecp256k1:
	default:
		return faults.New(faults.CodeInvalidSignature, "%s mandate proof algorithm %q unsupported", step, proof.ProofType)
	}
	payload, err := canonical()
	if err != nil {
		return faults.Wrap(faults.CodeInvalidSignature, err, "%s mandate not canonicalizable", step)
	}
	signature, err := hex.DecodeString(strings.TrimPrefix(proof.ProofValue, "0x"))
	if err != nil {
		return faults.New(faults.CodeInvalidSignature, "%s mandate proof value malformed", step)
	}
	publicKey, err := hex.DecodeString(strings.TrimPrefix(proof.VerificationMethod, "0x"))
	if err != nil {
		return faults.New(faults.CodeInvalidSignature, "%s mandate verification method malformed", step)
	}
	ok, err := v.signatures.Verify(ctx, payload, signature, publicKey, algorithm)
	if err != nil {
		return faults.Wrap(faults.CodeInvalidSignature, err, "%s mandate proof verification failed", step)
	}
	if !ok {
		return faults.New(faults.CodeInvalidSignature, "%s mandate proof invalid", step)
	}
	return nil
}

// Describe returns a short log-safe summary of a chain for diagnostics.
func Describe(chain *Chain) string {
	if chain == nil || chain.Payment == nil {
		return "mandate chain (empty)"
	}
	return fmt.Sprintf("mandate %s %s %s on %s", chain.Payment.MandateID, canonicalBig(chain.Payment.AmountMinor), chain.Payment.Token, chain.Payment.Chain)
}
