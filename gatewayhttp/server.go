// Package gatewayhttp is the ops and webhook HTTP surface: payment
// submission, provider webhooks, health, metrics, and a JWT-protected
// admin API.
package gatewayhttp

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"lukechampine.com/blake3"

	"agentpay/compliance"
	"agentpay/executor"
	"agentpay/faults"
	"agentpay/fiat"
	"agentpay/hybrid"
	"agentpay/mandate"
	"agentpay/reliability"
	"agentpay/settlement"
)

// Secrets carries the HMAC webhook secrets and the admin JWT secret.
type Secrets struct {
	Treasury []byte
	Ramp     []byte
	KYC      []byte
	AdminJWT []byte
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Exec     *executor.Executor
	Flows    *fiat.Orchestrator
	Books    *hybrid.Ledger
	Chains   *settlement.Manager
	Registry *reliability.Registry
	KYC      *compliance.KYCChecker
	Secrets  Secrets
	// RPS and Burst throttle the public routes.
	RPS   float64
	Burst int
}

// Server encapsulates the HTTP API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	router http.Handler

	mu   sync.Mutex
	seen map[[32]byte]struct{} // idempotency keys of applied webhook bodies
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) { s.now = clock }
}

// NewServer wires the routes.
func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		seen:   make(map[[32]byte]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(cfg.RPS, cfg.Burst))
		r.Post("/v1/payments", s.handlePayment)
		r.Get("/v1/settlements/{id}", s.handleSettlement)
		r.Get("/v1/accounts/{id}/balance", s.handleBalance)
		r.Post("/webhooks/treasury", s.webhook(cfg.Secrets.Treasury, s.applyTreasuryWebhook))
		r.Post("/webhooks/ramp", s.webhook(cfg.Secrets.Ramp, s.applyRampWebhook))
		r.Post("/webhooks/kyc", s.webhook(cfg.Secrets.KYC, s.applyKYCWebhook))
	})

	r.Group(func(r chi.Router) {
		r.Use(adminAuth(cfg.Secrets.AdminJWT))
		r.Get("/admin/status", s.handleAdminStatus)
		r.Get("/admin/consistency", s.handleConsistency)
		r.Post("/admin/pause", s.handlePause)
		r.Post("/admin/resume", s.handleResume)
		r.Post("/admin/flush/{chain}", s.handleFlush)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// paymentRequest is the submission envelope for one mandate chain.
type paymentRequest struct {
	Mandates      *mandate.Chain `json:"mandates"`
	AccountID     string         `json:"account_id"`
	TokenDecimals int32          `json:"token_decimals,omitempty"`
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payment request")
		return
	}
	outcome, err := s.cfg.Exec.Execute(r.Context(), &executor.Request{
		Mandates:      req.Mandates,
		AccountID:     req.AccountID,
		TokenDecimals: req.TokenDecimals,
	})
	status := http.StatusOK
	if err != nil {
		status = statusFor(outcome.ErrorCode)
		s.logger.Warn("payment rejected",
			slog.String("payment_id", outcome.PaymentID),
			slog.String("state", string(outcome.State)),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	item, err := s.cfg.Chains.GetSettlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(faults.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		writeError(w, http.StatusBadRequest, "currency query parameter required")
		return
	}
	balance, err := s.cfg.Books.Balance(r.Context(), chi.URLParam(r, "id"), currency)
	if err != nil {
		writeError(w, statusFor(faults.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": chi.URLParam(r, "id"),
		"currency":   currency,
		"balance":    balance.String(),
	})
}

// webhook wraps a handler with HMAC verification and body-level
// idempotency. A replayed body is acknowledged without effect.
func (s *Server) webhook(secret []byte, apply func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		if !verifyHMAC(secret, body, r.Header.Get("X-Signature")) {
			writeError(w, http.StatusUnauthorized, "signature mismatch")
			return
		}
		key := blake3.Sum256(append([]byte(r.URL.Path+"|"), body...))
		s.mu.Lock()
		if _, dup := s.seen[key]; dup {
			s.mu.Unlock()
			writeJSON(w, http.StatusOK, map[string]bool{"replayed": true})
			return
		}
		s.seen[key] = struct{}{}
		s.mu.Unlock()
		apply(w, r, body)
	}
}

func (s *Server) applyTreasuryWebhook(w http.ResponseWriter, r *http.Request, body []byte) {
	var event fiat.TreasuryEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "malformed treasury event")
		return
	}
	if err := s.cfg.Flows.ApplyTreasuryWebhook(r.Context(), &event); err != nil {
		writeError(w, statusFor(faults.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) applyRampWebhook(w http.ResponseWriter, r *http.Request, body []byte) {
	var event fiat.RampEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "malformed ramp event")
		return
	}
	result, err := s.cfg.Flows.ApplyRampWebhook(r.Context(), &event)
	if err != nil {
		writeError(w, statusFor(faults.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// kycEvent mirrors the KYC provider's webhook payload.
type kycEvent struct {
	Subject string               `json:"subject"`
	Result  compliance.KYCResult `json:"result"`
}

func (s *Server) applyKYCWebhook(w http.ResponseWriter, r *http.Request, body []byte) {
	if s.cfg.KYC == nil {
		writeError(w, http.StatusNotImplemented, "kyc not configured")
		return
	}
	var event kycEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "malformed kyc event")
		return
	}
	sig := r.Header.Get("X-Provider-Signature")
	if err := s.cfg.KYC.ApplyWebhook(event.Subject, &event.Result, body, []byte(sig)); err != nil {
		writeError(w, statusFor(faults.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"paused":   s.cfg.Exec.Paused(),
		"breakers": s.cfg.Registry.BreakerStates(),
		"time":     s.now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Books.CheckConsistency(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Exec.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Exec.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	chain := chi.URLParam(r, "chain")
	if err := s.cfg.Chains.FlushChain(r.Context(), chain); err != nil {
		writeError(w, statusFor(faults.CodeOf(err)), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"flushed": chain})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps taxonomy codes onto HTTP statuses.
func statusFor(code faults.Code) int {
	switch code {
	case faults.CodeInvalidAmount, faults.CodeInvalidAddress, faults.CodeUnsupportedToken,
		faults.CodeExpiredMandate, faults.CodeAuditHashMismatch, faults.CodeInvalidSignature:
		return http.StatusBadRequest
	case faults.CodeComplianceDenied, faults.CodePolicyViolation,
		faults.CodeKYCRequired, faults.CodeSanctionsMatch:
		return http.StatusForbidden
	case faults.CodeNotFound:
		return http.StatusNotFound
	case faults.CodeAlreadyExists, faults.CodeConcurrencyConflict:
		return http.StatusConflict
	case faults.CodeInsufficientBalance, faults.CodeInsufficientHeld:
		return http.StatusUnprocessableEntity
	case faults.CodeProviderRateLimited:
		return http.StatusTooManyRequests
	case faults.CodeRequestTimeout, faults.CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case faults.CodeLockTimeout, faults.CodeProviderUnavailable, faults.CodeCircuitOpen,
		faults.CodeChainSubmissionFailed:
		return http.StatusBadGateway
	case "":
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// trimBearer strips the Authorization scheme prefix.
func trimBearer(header string) string {
	const prefix = "bearer "
	if len(header) >= len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
