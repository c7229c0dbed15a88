package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"agentpay/faults"
	"agentpay/observability"
)

// Policy bounds the retry, throttle, and breaker behaviour for one provider.
type Policy struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffBase      float64
	RPS              float64
	Burst            int
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultPolicy mirrors the budgets providers are wrapped with unless
// configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       3,
		InitialDelay:     200 * time.Millisecond,
		MaxDelay:         10 * time.Second,
		BackoffBase:      2,
		RPS:              10,
		Burst:            20,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// StatusError carries an HTTP status observed from a provider so the caller
// can classify retryability without parsing message strings.
type StatusError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "provider status " + strconv.Itoa(e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Caller wraps calls to a single named provider with a shared token bucket,
// a circuit breaker, and bounded backoff retries. Concurrent callers of the
// same provider contend on one bucket and share breaker state.
type Caller struct {
	name    string
	policy  Policy
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *observability.ReliabilityMetrics
	logger  *slog.Logger

	randFloat func() float64
	sleep     func(context.Context, time.Duration) error
}

// CallerOption customises a Caller.
type CallerOption func(*Caller)

// WithLogger supplies the structured logger.
func WithLogger(logger *slog.Logger) CallerOption {
	return func(c *Caller) { c.logger = logger }
}

// WithRand overrides the jitter source. Tests use this for determinism.
func WithRand(fn func() float64) CallerOption {
	return func(c *Caller) { c.randFloat = fn }
}

// WithSleep overrides the backoff sleeper. Tests use this to skip real delays.
func WithSleep(fn func(context.Context, time.Duration) error) CallerOption {
	return func(c *Caller) { c.sleep = fn }
}

// NewCaller constructs a caller for the named provider.
func NewCaller(name string, policy Policy, opts ...CallerOption) *Caller {
	if policy.BackoffBase <= 1 {
		policy.BackoffBase = 2
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 10 * time.Second
	}
	if policy.FailureThreshold == 0 {
		policy.FailureThreshold = 5
	}
	if policy.OpenTimeout <= 0 {
		policy.OpenTimeout = 30 * time.Second
	}
	c := &Caller{
		name:      name,
		policy:    policy,
		metrics:   observability.Reliability(),
		logger:    slog.Default(),
		randFloat: rand.Float64,
		sleep:     sleepContext,
	}
	if policy.RPS > 0 {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(policy.RPS), burst)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= policy.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.metrics.SetBreakerState(name, breakerGauge(to))
			c.logger.Warn("breaker state change",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func breakerGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Name returns the provider name the caller guards.
func (c *Caller) Name() string { return c.name }

// State reports the current breaker state.
func (c *Caller) State() gobreaker.State { return c.breaker.State() }

// Do executes op with rate limiting, breaker protection, and retries. The
// operation may suspend at the rate-limit wait, the retry delay, and the
// inner call itself. When the breaker is open the call fails fast with
// circuit_open and the operation is never invoked.
func (c *Caller) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	attempts := c.policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.delayFor(attempt-1, lastErr)); err != nil {
				return faults.Wrap(faults.CodeUpstreamTimeout, err, "%s: cancelled during backoff", c.name)
			}
		}
		if c.limiter != nil {
			waitStart := time.Now()
			if err := c.limiter.Wait(ctx); err != nil {
				return faults.Wrap(faults.CodeUpstreamTimeout, err, "%s: cancelled awaiting throttle token", c.name)
			}
			c.metrics.ObserveThrottleWait(c.name, time.Since(waitStart))
		}
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, op(ctx)
		})
		if err == nil {
			c.metrics.RecordAttempt(c.name, "ok")
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.metrics.RecordAttempt(c.name, "circuit_open")
			return faults.Wrap(faults.CodeCircuitOpen, err, "%s: breaker open", c.name)
		}
		c.metrics.RecordAttempt(c.name, "error")
		lastErr = err
		if !c.retryable(err) {
			return err
		}
	}
	return faults.Wrap(faults.CodeProviderUnavailable, lastErr, "%s: retry budget exhausted", c.name)
}

// delayFor computes the full-jitter backoff for a completed attempt index,
// honouring any Retry-After hint carried by the failure.
func (c *Caller) delayFor(attempt int, lastErr error) time.Duration {
	backoff := float64(c.policy.InitialDelay) * math.Pow(c.policy.BackoffBase, float64(attempt))
	if max := float64(c.policy.MaxDelay); backoff > max {
		backoff = max
	}
	delay := time.Duration(backoff * (0.5 + c.randFloat()))
	var status *StatusError
	if errors.As(lastErr, &status) && status.Status == 429 && status.RetryAfter > delay {
		delay = status.RetryAfter
	}
	return delay
}

func (c *Caller) retryable(err error) bool {
	if faults.Retryable(err) {
		return true
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch status.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}
