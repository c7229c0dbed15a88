package mandate_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentpay/adapters/localsigner"
	"agentpay/faults"
	"agentpay/mandate"
)

type fixture struct {
	signer *localsigner.Signer
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer := localsigner.New()
	signer.AddEd25519("issuer", priv)
	return &fixture{
		signer: signer,
		pub:    pub,
		priv:   priv,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) prove(t *testing.T, payload []byte) mandate.Proof {
	t.Helper()
	sig, err := f.signer.Sign(context.Background(), payload, "issuer")
	require.NoError(t, err)
	return mandate.Proof{
		ProofType:          mandate.AlgorithmEd25519,
		VerificationMethod: hex.EncodeToString(f.pub),
		ProofValue:         hex.EncodeToString(sig),
		Created:            f.now,
	}
}

func (f *fixture) chain(t *testing.T) *mandate.Chain {
	t.Helper()
	expires := f.now.Add(time.Hour)
	intent := &mandate.Intent{
		MandateID:             "int_1",
		Subject:               "agent_7",
		Issuer:                "did:example:issuer",
		Scope:                 []string{"payments"},
		AuthorizedAmountMinor: big.NewInt(50_000_000),
		ExpiresAt:             expires,
		Nonce:                 "nonce-intent-1",
	}
	cart := &mandate.Cart{
		MandateID:      "cart_1",
		CheckoutID:     "chk_1",
		Subject:        "agent_7",
		MerchantID:     "merch_1",
		MerchantDomain: "shop.example",
		Currency:       "USDC",
		ExpiresAt:      expires,
		Nonce:          "nonce-cart-1",
	}
	payment := &mandate.Payment{
		MandateID:   "pay_1",
		Subject:     "agent_7",
		Chain:       "base",
		Token:       "USDC",
		AmountMinor: big.NewInt(25_000_000),
		Destination: "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		ExpiresAt:   expires,
		Nonce:       "nonce-pay-1",
	}
	payment.AuditHash = mandate.AuditHash(cart.MandateID, cart.CheckoutID, payment.AmountMinor, payment.Chain, payment.Token, payment.Destination)

	intentPayload, err := mandate.CanonicalIntent(intent)
	require.NoError(t, err)
	intent.Proof = f.prove(t, intentPayload)
	cartPayload, err := mandate.CanonicalCart(cart)
	require.NoError(t, err)
	cart.Proof = f.prove(t, cartPayload)
	paymentPayload, err := mandate.CanonicalPayment(payment)
	require.NoError(t, err)
	payment.Proof = f.prove(t, paymentPayload)

	return &mandate.Chain{Intent: intent, Cart: cart, Payment: payment}
}

func (f *fixture) verifier() *mandate.Verifier {
	return mandate.NewVerifier(f.signer, mandate.NewMemoryNonceStore(time.Hour),
		mandate.WithClock(func() time.Time { return f.now }))
}

func TestVerifyChainHappyPath(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.verifier().VerifyChain(context.Background(), f.chain(t)))
}

func TestAuditHashBindsEveryField(t *testing.T) {
	f := newFixture(t)
	base := f.chain(t)
	hash := base.Payment.AuditHash

	require.NotEqual(t, hash, mandate.AuditHash("other", base.Cart.CheckoutID, base.Payment.AmountMinor, base.Payment.Chain, base.Payment.Token, base.Payment.Destination))
	require.NotEqual(t, hash, mandate.AuditHash(base.Cart.MandateID, "other", base.Payment.AmountMinor, base.Payment.Chain, base.Payment.Token, base.Payment.Destination))
	require.NotEqual(t, hash, mandate.AuditHash(base.Cart.MandateID, base.Cart.CheckoutID, big.NewInt(1), base.Payment.Chain, base.Payment.Token, base.Payment.Destination))
	require.NotEqual(t, hash, mandate.AuditHash(base.Cart.MandateID, base.Cart.CheckoutID, base.Payment.AmountMinor, "polygon", base.Payment.Token, base.Payment.Destination))
	require.NotEqual(t, hash, mandate.AuditHash(base.Cart.MandateID, base.Cart.CheckoutID, base.Payment.AmountMinor, base.Payment.Chain, "DAI", base.Payment.Destination))
	require.NotEqual(t, hash, mandate.AuditHash(base.Cart.MandateID, base.Cart.CheckoutID, base.Payment.AmountMinor, base.Payment.Chain, base.Payment.Token, "0x1111111111111111111111111111111111111111"))
}

func TestVerifyChainRejectsTamperedAmount(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t)
	chain.Payment.AmountMinor = big.NewInt(26_000_000)

	err := f.verifier().VerifyChain(context.Background(), chain)
	require.Error(t, err)
	require.Equal(t, faults.CodeAuditHashMismatch, faults.CodeOf(err))
}

func TestVerifyChainRejectsExpiredMandate(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t)
	f.now = f.now.Add(2 * time.Hour)

	err := f.verifier().VerifyChain(context.Background(), chain)
	require.Error(t, err)
	require.Equal(t, faults.CodeExpiredMandate, faults.CodeOf(err))
}

func TestVerifyChainRejectsOverAuthorizedAmount(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t)
	chain.Intent.AuthorizedAmountMinor = big.NewInt(10_000_000)
	payload, err := mandate.CanonicalIntent(chain.Intent)
	require.NoError(t, err)
	chain.Intent.Proof = f.prove(t, payload)

	verr := f.verifier().VerifyChain(context.Background(), chain)
	require.Error(t, verr)
	require.Equal(t, faults.CodePolicyViolation, faults.CodeOf(verr))
}

func TestVerifyChainRejectsForgedProof(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t)
	otherPub, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_ = otherPriv
	chain.Payment.Proof.VerificationMethod = hex.EncodeToString(otherPub)

	verr := f.verifier().VerifyChain(context.Background(), chain)
	require.Error(t, verr)
	require.Equal(t, faults.CodeInvalidSignature, faults.CodeOf(verr))
}

func TestVerifyChainConsumesNonces(t *testing.T) {
	f := newFixture(t)
	verifier := f.verifier()
	chain := f.chain(t)
	require.NoError(t, verifier.VerifyChain(context.Background(), chain))

	err := verifier.VerifyChain(context.Background(), chain)
	require.Error(t, err)
	require.Equal(t, faults.CodeAlreadyExists, faults.CodeOf(err))
}

func TestVerifyChainRejectsSubjectMismatch(t *testing.T) {
	f := newFixture(t)
	chain := f.chain(t)
	chain.Cart.Subject = "agent_8"
	payload, err := mandate.CanonicalCart(chain.Cart)
	require.NoError(t, err)
	chain.Cart.Proof = f.prove(t, payload)

	verr := f.verifier().VerifyChain(context.Background(), chain)
	require.Error(t, verr)
	require.Equal(t, faults.CodePolicyViolation, faults.CodeOf(verr))
}
