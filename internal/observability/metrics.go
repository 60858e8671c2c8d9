package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the decision core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Turn metrics
	TurnsTotal   *prometheus.CounterVec
	TurnDuration prometheus.Histogram

	// Classification metrics
	TierOutcomes *prometheus.CounterVec
	TierDuration *prometheus.HistogramVec

	// Budget metrics
	BudgetExceeded *prometheus.CounterVec

	// Policy metrics
	PolicyRejections *prometheus.CounterVec
	PolicyCompiles   *prometheus.CounterVec
	PolicyFallbacks  prometheus.Counter

	// Storage metrics
	SessionFallbacks     *prometheus.CounterVec
	MemoryUpdateFailures *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "callcore"
	}

	registry := prometheus.NewRegistry()

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of processed caller turns",
		},
		[]string{"action", "owner"},
	)

	turnDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	tierOutcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_tier_outcomes_total",
			Help:      "Classification tier outcomes",
		},
		[]string{"tier", "status"},
	)

	tierDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classification_tier_duration_seconds",
			Help:      "Time spent in each classification tier",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"tier"},
	)

	budgetExceeded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_exceeded_total",
			Help:      "Stages that ran over their latency budget",
		},
		[]string{"stage"},
	)

	policyRejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_rejected_actions_total",
			Help:      "Actions rejected by the allowlist",
		},
		[]string{"action"},
	)

	policyCompiles := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_compiles_total",
			Help:      "Policy compilations by result",
		},
		[]string{"status"},
	)

	policyFallbacks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_default_artifact_total",
			Help:      "Turns that fell back to the embedded safe-default artifact",
		},
	)

	sessionFallbacks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_tier_fallbacks_total",
			Help:      "Session store tier failures that degraded to a slower tier",
		},
		[]string{"tier", "op"},
	)

	memoryUpdateFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_update_failures_total",
			Help:      "Background memory record updates that failed",
		},
		[]string{"kind"},
	)

	registry.MustRegister(
		turnsTotal,
		turnDuration,
		tierOutcomes,
		tierDuration,
		budgetExceeded,
		policyRejections,
		policyCompiles,
		policyFallbacks,
		sessionFallbacks,
		memoryUpdateFailures,
	)

	return &Metrics{
		registry:             registry,
		TurnsTotal:           turnsTotal,
		TurnDuration:         turnDuration,
		TierOutcomes:         tierOutcomes,
		TierDuration:         tierDuration,
		BudgetExceeded:       budgetExceeded,
		PolicyRejections:     policyRejections,
		PolicyCompiles:       policyCompiles,
		PolicyFallbacks:      policyFallbacks,
		SessionFallbacks:     sessionFallbacks,
		MemoryUpdateFailures: memoryUpdateFailures,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordTurn(action, owner string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(action, owner).Inc()
	m.TurnDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordTier(tier, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TierOutcomes.WithLabelValues(tier, status).Inc()
	m.TierDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func (m *Metrics) RecordBudgetExceeded(stage string) {
	if m == nil {
		return
	}
	m.BudgetExceeded.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordPolicyRejection(action string) {
	if m == nil {
		return
	}
	m.PolicyRejections.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordPolicyCompile(status string) {
	if m == nil {
		return
	}
	m.PolicyCompiles.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPolicyFallback() {
	if m == nil {
		return
	}
	m.PolicyFallbacks.Inc()
}

func (m *Metrics) RecordSessionFallback(tier, op string) {
	if m == nil {
		return
	}
	m.SessionFallbacks.WithLabelValues(tier, op).Inc()
}

func (m *Metrics) RecordMemoryFailure(kind string) {
	if m == nil {
		return
	}
	m.MemoryUpdateFailures.WithLabelValues(kind).Inc()
}
