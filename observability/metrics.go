package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentpay"

var (
	executorOnce sync.Once
	executorReg  *ExecutorMetrics

	settlementOnce sync.Once
	settlementReg  *SettlementMetrics

	reliabilityOnce sync.Once
	reliabilityReg  *ReliabilityMetrics

	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	reconcilerOnce sync.Once
	reconcilerReg  *ReconcilerMetrics
)

// ExecutorMetrics instruments the payment pipeline.
type ExecutorMetrics struct {
	payments *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// Executor returns the lazily-initialised executor metrics registry.
func Executor() *ExecutorMetrics {
	executorOnce.Do(func() {
		executorReg = &ExecutorMetrics{
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "payments_total",
				Help:      "Payments processed segmented by terminal state and error code.",
			}, []string{"state", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "pipeline_duration_seconds",
				Help:      "End-to-end latency of the payment pipeline.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"state"}),
		}
		prometheus.MustRegister(executorReg.payments, executorReg.latency)
	})
	return executorReg
}

// RecordPayment counts a terminal pipeline outcome.
func (m *ExecutorMetrics) RecordPayment(state, code string, took time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "none"
	}
	m.payments.WithLabelValues(state, code).Inc()
	m.latency.WithLabelValues(state).Observe(took.Seconds())
}

// SettlementMetrics instruments chain dispatch and batching.
type SettlementMetrics struct {
	settlements *prometheus.CounterVec
	batchSize   prometheus.Histogram
	retries     *prometheus.CounterVec
}

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "settlements_total",
				Help:      "Settlements segmented by mode, chain, and outcome.",
			}, []string{"mode", "chain", "outcome"}),
			batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "batch_size",
				Help:      "Number of settlements per submitted batch.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "settlement",
				Name:      "batch_retries_total",
				Help:      "Batch submission retries segmented by chain.",
			}, []string{"chain"}),
		}
		prometheus.MustRegister(settlementReg.settlements, settlementReg.batchSize, settlementReg.retries)
	})
	return settlementReg
}

// RecordSettlement counts a settlement outcome for a mode and chain.
func (m *SettlementMetrics) RecordSettlement(mode, chain, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(mode, chain, outcome).Inc()
}

// ObserveBatch records the size of a submitted batch.
func (m *SettlementMetrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// RecordRetry counts a batch submission retry.
func (m *SettlementMetrics) RecordRetry(chain string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(chain).Inc()
}

// ReliabilityMetrics instruments the retryable caller wrapping provider ports.
type ReliabilityMetrics struct {
	attempts     *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
	throttleWait *prometheus.HistogramVec
}

// Reliability returns the lazily-initialised reliability metrics registry.
func Reliability() *ReliabilityMetrics {
	reliabilityOnce.Do(func() {
		reliabilityReg = &ReliabilityMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reliability",
				Name:      "attempts_total",
				Help:      "Provider call attempts segmented by provider and outcome.",
			}, []string{"provider", "outcome"}),
			breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reliability",
				Name:      "breaker_state",
				Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
			}, []string{"provider"}),
			throttleWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reliability",
				Name:      "throttle_wait_seconds",
				Help:      "Time spent waiting for a rate-limit token.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
		}
		prometheus.MustRegister(reliabilityReg.attempts, reliabilityReg.breakerState, reliabilityReg.throttleWait)
	})
	return reliabilityReg
}

// RecordAttempt counts a provider call attempt.
func (m *ReliabilityMetrics) RecordAttempt(provider, outcome string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(provider, outcome).Inc()
}

// SetBreakerState publishes the current breaker state for a provider.
func (m *ReliabilityMetrics) SetBreakerState(provider string, state float64) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(provider).Set(state)
}

// ObserveThrottleWait records how long a caller waited for a token.
func (m *ReliabilityMetrics) ObserveThrottleWait(provider string, wait time.Duration) {
	if m == nil {
		return
	}
	m.throttleWait.WithLabelValues(provider).Observe(wait.Seconds())
}

// LedgerMetrics instruments ledger writes and lock contention.
type LedgerMetrics struct {
	entries     *prometheus.CounterVec
	snapshots   prometheus.Counter
	lockWaits   prometheus.Histogram
	lockTimeout prometheus.Counter
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			entries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "entries_total",
				Help:      "Ledger entries written segmented by type and status.",
			}, []string{"type", "status"}),
			snapshots: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "snapshots_total",
				Help:      "Balance snapshots created.",
			}),
			lockWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "lock_wait_seconds",
				Help:      "Time spent acquiring per-account locks.",
				Buckets:   prometheus.DefBuckets,
			}),
			lockTimeout: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "lock_timeouts_total",
				Help:      "Lock acquisitions that exceeded their timeout.",
			}),
		}
		prometheus.MustRegister(ledgerReg.entries, ledgerReg.snapshots, ledgerReg.lockWaits, ledgerReg.lockTimeout)
	})
	return ledgerReg
}

// RecordEntry counts a written ledger entry.
func (m *LedgerMetrics) RecordEntry(entryType, status string) {
	if m == nil {
		return
	}
	m.entries.WithLabelValues(strings.ToLower(entryType), strings.ToLower(status)).Inc()
}

// RecordSnapshot counts a created balance snapshot.
func (m *LedgerMetrics) RecordSnapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

// ObserveLockWait records a lock acquisition wait.
func (m *LedgerMetrics) ObserveLockWait(wait time.Duration) {
	if m == nil {
		return
	}
	m.lockWaits.Observe(wait.Seconds())
}

// RecordLockTimeout counts a lock acquisition timeout.
func (m *LedgerMetrics) RecordLockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeout.Inc()
}

// ReconcilerMetrics instruments the background reconciliation loop.
type ReconcilerMetrics struct {
	runs          prometheus.Counter
	discrepancies *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
}

// Reconciler returns the lazily-initialised reconciler metrics registry.
func Reconciler() *ReconcilerMetrics {
	reconcilerOnce.Do(func() {
		reconcilerReg = &ReconcilerMetrics{
			runs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "runs_total",
				Help:      "Reconciliation passes executed.",
			}),
			discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "discrepancies_total",
				Help:      "Discrepancies detected segmented by kind.",
			}, []string{"kind"}),
			resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconciler",
				Name:      "resolutions_total",
				Help:      "Discrepancy resolutions segmented by strategy.",
			}, []string{"strategy"}),
		}
		prometheus.MustRegister(reconcilerReg.runs, reconcilerReg.discrepancies, reconcilerReg.resolutions)
	})
	return reconcilerReg
}

// RecordRun counts a reconciliation pass.
func (m *ReconcilerMetrics) RecordRun() {
	if m == nil {
		return
	}
	m.runs.Inc()
}

// RecordDiscrepancy counts a detected discrepancy.
func (m *ReconcilerMetrics) RecordDiscrepancy(kind string) {
	if m == nil {
		return
	}
	m.discrepancies.WithLabelValues(kind).Inc()
}

// RecordResolution counts an applied resolution strategy.
func (m *ReconcilerMetrics) RecordResolution(strategy string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(strategy).Inc()
}
