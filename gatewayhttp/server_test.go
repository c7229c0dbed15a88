package gatewayhttp_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"agentpay/adapters/localsigner"
	"agentpay/amount"
	"agentpay/audit"
	"agentpay/compliance"
	"agentpay/executor"
	"agentpay/fiat"
	"agentpay/gatewayhttp"
	"agentpay/hybrid"
	"agentpay/ledger"
	"agentpay/mandate"
	"agentpay/reliability"
	"agentpay/settlement"
	"agentpay/subledger"
)

const gatewayPolicy = `
[tokens]
allowlist = ["USDC", "EURC"]
`

var (
	treasurySecret = []byte("treasury-secret")
	adminSecret    = []byte("admin-secret")
)

type fakeChainPort struct{ dispatches int }

func (f *fakeChainPort) Dispatch(_ context.Context, item *settlement.Settlement) (*settlement.Receipt, error) {
	f.dispatches++
	return &settlement.Receipt{TxHash: "0xaa01", Chain: item.Chain, BlockNumber: 1234}, nil
}

func (f *fakeChainPort) DispatchBatch(_ context.Context, items []*settlement.Settlement) (*settlement.Receipt, error) {
	return &settlement.Receipt{TxHash: "0xbb02", Chain: items[0].Chain, BlockNumber: 5678}, nil
}

func (f *fakeChainPort) GetTransaction(context.Context, string) (*settlement.ChainTx, error) {
	return nil, nil
}

type fakeTreasury struct{}

func (fakeTreasury) Balance(context.Context, string) (amount.Amount, error) {
	return amount.Amount{}, nil
}

func (fakeTreasury) CreateOutboundPayment(_ context.Context, amt amount.Amount, _ string) (*fiat.Transfer, error) {
	return &fiat.Transfer{ID: "tr_1", Status: fiat.TransferCompleted, Amount: amt}, nil
}

func (fakeTreasury) FundIssuingBalance(_ context.Context, amt amount.Amount) (*fiat.Transfer, error) {
	return &fiat.Transfer{ID: "tr_2", Status: fiat.TransferCompleted, Amount: amt}, nil
}

type fakeRamp struct{}

func (fakeRamp) CreateOfframpSession(_ context.Context, _ string, amt amount.Amount) (*fiat.RampSession, error) {
	return &fiat.RampSession{SessionID: "sess_1", Status: fiat.SessionPending, Amount: amt}, nil
}

func (fakeRamp) GetSession(_ context.Context, sessionID string) (*fiat.RampSession, error) {
	return &fiat.RampSession{SessionID: sessionID, Status: fiat.SessionPending}, nil
}

type harness struct {
	t       *testing.T
	server  *gatewayhttp.Server
	signer  *localsigner.Signer
	pub     ed25519.PublicKey
	now     time.Time
	port    *fakeChainPort
	flows   *fiat.Orchestrator
	agents  *subledger.Service
	account string
}

func newHarness(t *testing.T, rps float64, burst int) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{t: t, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	h.pub = pub
	h.signer = localsigner.New()
	h.signer.AddEd25519("issuer", priv)
	verifier := mandate.NewVerifier(h.signer, mandate.NewMemoryNonceStore(time.Hour),
		mandate.WithClock(func() time.Time { return h.now }))

	locks := ledger.NewLockManager(time.Second)
	books, err := hybrid.New(ctx, ledger.NewMemoryStore(), audit.NewMemoryStore(),
		hybrid.ModeRequireDualWrite, locks, nil)
	require.NoError(t, err)

	policy, err := compliance.ParsePolicy(gatewayPolicy)
	require.NoError(t, err)
	screen := compliance.NewEngine(compliance.NewRuleProvider(policy), books.Trail())

	relPolicy := reliability.DefaultPolicy()
	relPolicy.MaxRetries = 0
	relPolicy.RPS = 0
	registry := reliability.NewRegistry(relPolicy, nil, nil)

	h.port = &fakeChainPort{}
	chains := settlement.NewManager(settlement.NewMemoryStore(), h.port, registry,
		settlement.Config{Mode: settlement.ModePerTx, MaxBatchSize: 10, MinBatchSize: 2})

	h.agents = subledger.NewService(subledger.NewMemoryStore(), locks)
	account, err := h.agents.CreateAccount(ctx, "agent_7", "USDC")
	require.NoError(t, err)
	h.account = account.AccountID
	_, err = h.agents.Deposit(ctx, h.account, amount.MustFromString("100"), "seed")
	require.NoError(t, err)
	_, err = books.CreateEntry(ctx, &ledger.EntryRequest{
		TxID:      "tx_seed",
		AccountID: "agent_7",
		Type:      ledger.TypeCredit,
		Amount:    amount.MustFromString("100"),
		Currency:  "USDC",
	})
	require.NoError(t, err)

	exec := executor.New(verifier, screen, chains, books, h.agents,
		executor.WithClock(func() time.Time { return h.now }))
	h.flows = fiat.New(h.agents, fakeTreasury{}, fakeRamp{},
		fiat.WithClock(func() time.Time { return h.now }))

	h.server = gatewayhttp.NewServer(gatewayhttp.Config{
		Exec:     exec,
		Flows:    h.flows,
		Books:    books,
		Chains:   chains,
		Registry: registry,
		Secrets: gatewayhttp.Secrets{
			Treasury: treasurySecret,
			Ramp:     []byte("ramp-secret"),
			KYC:      []byte("kyc-secret"),
			AdminJWT: adminSecret,
		},
		RPS:   rps,
		Burst: burst,
	}, gatewayhttp.WithClock(func() time.Time { return h.now }))
	return h
}

func (h *harness) chain(token, nonceSuffix string) *mandate.Chain {
	h.t.Helper()
	expires := h.now.Add(time.Hour)
	intent := &mandate.Intent{
		MandateID:             "int_1",
		Subject:               "agent_7",
		Issuer:                "did:example:issuer",
		Scope:                 []string{"payments"},
		AuthorizedAmountMinor: big.NewInt(50_000_000),
		ExpiresAt:             expires,
		Nonce:                 "nonce-intent-" + nonceSuffix,
	}
	cart := &mandate.Cart{
		MandateID:      "cart_1",
		CheckoutID:     "chk_1",
		Subject:        "agent_7",
		MerchantID:     "merch_1",
		MerchantDomain: "shop.example",
		Currency:       token,
		ExpiresAt:      expires,
		Nonce:          "nonce-cart-" + nonceSuffix,
	}
	payment := &mandate.Payment{
		MandateID:   "pay_" + nonceSuffix,
		Subject:     "agent_7",
		Chain:       "base",
		Token:       token,
		AmountMinor: big.NewInt(25_000_000),
		Destination: "0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		ExpiresAt:   expires,
		Nonce:       "nonce-pay-" + nonceSuffix,
	}
	payment.AuditHash = mandate.AuditHash(cart.MandateID, cart.CheckoutID, payment.AmountMinor, payment.Chain, payment.Token, payment.Destination)

	for _, target := range []struct {
		canonical func() ([]byte, error)
		proof     *mandate.Proof
	}{
		{func() ([]byte, error) { return mandate.CanonicalIntent(intent) }, &intent.Proof},
		{func() ([]byte, error) { return mandate.CanonicalCart(cart) }, &cart.Proof},
		{func() ([]byte, error) { return mandate.CanonicalPayment(payment) }, &payment.Proof},
	} {
		payload, err := target.canonical()
		require.NoError(h.t, err)
		sig, err := h.signer.Sign(context.Background(), payload, "issuer")
		require.NoError(h.t, err)
		*target.proof = mandate.Proof{
			ProofType:          mandate.AlgorithmEd25519,
			VerificationMethod: hex.EncodeToString(h.pub),
			ProofValue:         hex.EncodeToString(sig),
			Created:            h.now,
		}
	}
	return &mandate.Chain{Intent: intent, Cart: cart, Payment: payment}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	h.t.Helper()
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *harness) submitPayment(token, nonceSuffix string) *httptest.ResponseRecorder {
	h.t.Helper()
	body, err := json.Marshal(map[string]any{
		"mandates":   h.chain(token, nonceSuffix),
		"account_id": h.account,
	})
	require.NoError(h.t, err)
	return h.do(httptest.NewRequest(http.MethodPost, "/v1/payments", bytes.NewReader(body)))
}

func signBody(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func adminToken(t *testing.T, secret []byte) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "ops",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)
	return token
}

func (h *harness) adminRequest(method, path, token string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return h.do(req)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 50, 100)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitPaymentIsRecorded(t *testing.T) {
	h := newHarness(t, 50, 100)
	rec := h.submitPayment("USDC", "1")
	require.Equal(t, http.StatusOK, rec.Code)

	var outcome executor.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, executor.ResultAccepted, outcome.Result)
	require.Equal(t, executor.StateRecorded, outcome.State)
	require.Equal(t, "0xaa01", outcome.TxHash)
	require.Equal(t, 1, h.port.dispatches)
}

func TestDeniedPaymentMapsToForbidden(t *testing.T) {
	h := newHarness(t, 50, 100)
	rec := h.submitPayment("SHIB", "1")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var outcome executor.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	require.Equal(t, executor.ResultDenied, outcome.Result)
	require.Equal(t, compliance.RuleTokenAllowlist, outcome.RuleID)
	require.Zero(t, h.port.dispatches)
}

func TestMalformedPaymentRejected(t *testing.T) {
	h := newHarness(t, 50, 100)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/v1/payments", bytes.NewReader([]byte("{"))))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBalanceEndpoint(t *testing.T) {
	h := newHarness(t, 50, 100)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/v1/accounts/agent_7/balance?currency=USDC", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "100", body["balance"])

	rec = h.do(httptest.NewRequest(http.MethodGet, "/v1/accounts/agent_7/balance", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t, 50, 100)
	body := []byte(`{"event_id":"evt_1","type":"deposit_completed","account_id":"agent_1","amount":"40"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/treasury", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody([]byte("wrong-secret"), body))
	require.Equal(t, http.StatusUnauthorized, h.do(req).Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/treasury", bytes.NewReader(body))
	require.Equal(t, http.StatusUnauthorized, h.do(req).Code)
}

func TestTreasuryWebhookAppliedOnce(t *testing.T) {
	h := newHarness(t, 50, 100)
	ctx := context.Background()
	_, err := h.flows.BeginBankDeposit(ctx, h.account, amount.MustFromString("40"), "wire_77")
	require.NoError(t, err)

	event := fiat.TreasuryEvent{
		EventID:   "evt_1",
		Type:      "deposit_completed",
		AccountID: h.account,
		Amount:    amount.MustFromString("40"),
		Reference: "wire_77",
	}
	body, err := json.Marshal(event)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/treasury", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody(treasurySecret, body))
	require.Equal(t, http.StatusOK, h.do(req).Code)

	account, err := h.agents.GetAccount(ctx, h.account)
	require.NoError(t, err)
	require.True(t, account.Available.Equal(amount.MustFromString("140")))

	// Same body again is acknowledged without a second credit.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/treasury", bytes.NewReader(body))
	req.Header.Set("X-Signature", signBody(treasurySecret, body))
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.True(t, reply["replayed"])

	account, err = h.agents.GetAccount(ctx, h.account)
	require.NoError(t, err)
	require.True(t, account.Available.Equal(amount.MustFromString("140")))
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, 50, 100)

	require.Equal(t, http.StatusUnauthorized, h.adminRequest(http.MethodGet, "/admin/status", "").Code)
	require.Equal(t, http.StatusUnauthorized, h.adminRequest(http.MethodGet, "/admin/status", "not-a-jwt").Code)

	rec := h.adminRequest(http.MethodGet, "/admin/status", adminToken(t, adminSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, false, status["paused"])
}

func TestAdminRejectsForeignToken(t *testing.T) {
	h := newHarness(t, 50, 100)
	rec := h.adminRequest(http.MethodGet, "/admin/status", adminToken(t, []byte("other-secret")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPauseStopsPaymentsUntilResume(t *testing.T) {
	h := newHarness(t, 50, 100)
	token := adminToken(t, adminSecret)

	require.Equal(t, http.StatusOK, h.adminRequest(http.MethodPost, "/admin/pause", token).Code)
	require.Equal(t, http.StatusBadGateway, h.submitPayment("USDC", "1").Code)
	require.Zero(t, h.port.dispatches)

	require.Equal(t, http.StatusOK, h.adminRequest(http.MethodPost, "/admin/resume", token).Code)
	require.Equal(t, http.StatusOK, h.submitPayment("USDC", "2").Code)
}

func TestConsistencyEndpoint(t *testing.T) {
	h := newHarness(t, 50, 100)
	rec := h.adminRequest(http.MethodGet, "/admin/consistency", adminToken(t, adminSecret))
	require.Equal(t, http.StatusOK, rec.Code)
	var report hybrid.ConsistencyReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.True(t, report.ChainValid)
	require.False(t, report.Drift)
}

func TestRateLimitReturns429(t *testing.T) {
	h := newHarness(t, 0.001, 1)

	first := h.do(httptest.NewRequest(http.MethodGet, "/v1/accounts/agent_7/balance?currency=USDC", nil))
	require.Equal(t, http.StatusOK, first.Code)
	second := h.do(httptest.NewRequest(http.MethodGet, "/v1/accounts/agent_7/balance?currency=USDC", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)

	// Health stays reachable while throttled.
	require.Equal(t, http.StatusOK, h.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}
