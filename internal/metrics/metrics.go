package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for agentgate.
type Metrics struct {
	// Run metrics
	RunsSubmitted  *prometheus.CounterVec
	RunsFinished   *prometheus.CounterVec
	RunTransitions *prometheus.CounterVec
	RunQueueDepth  prometheus.Gauge

	// Provider metrics
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	ProviderTokens  *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec

	// Budget metrics
	AdmissionDecisions *prometheus.CounterVec

	// Approval metrics
	ApprovalActions *prometheus.CounterVec

	// Gateway metrics
	GatewayRequests *prometheus.CounterVec
	GatewaySessions prometheus.Gauge

	// Stream metrics
	StreamDropped prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New registers the collectors with the default registry once and returns
// the shared instance on every call.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			RunsSubmitted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_runs_submitted_total",
					Help: "Run submissions by admission result",
				},
				[]string{"org_id", "result"},
			),
			RunsFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_runs_finished_total",
					Help: "Runs that reached a terminal state",
				},
				[]string{"status"},
			),
			RunTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_run_transitions_total",
					Help: "Run state machine transitions",
				},
				[]string{"from", "to"},
			),
			RunQueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgate_run_queue_depth",
					Help: "Runs waiting for a worker",
				},
			),
			ProviderCalls: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_provider_calls_total",
					Help: "Provider calls by outcome",
				},
				[]string{"provider", "outcome"},
			),
			ProviderLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agentgate_provider_latency_seconds",
					Help:    "Latency of single provider attempts",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
				},
				[]string{"provider"},
			),
			ProviderTokens: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_provider_tokens_total",
					Help: "Tokens reported by providers",
				},
				[]string{"provider", "direction"},
			),
			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "agentgate_breaker_state",
					Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
				},
				[]string{"provider"},
			),
			AdmissionDecisions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_admission_decisions_total",
					Help: "Budget admission decisions",
				},
				[]string{"result", "period"},
			),
			ApprovalActions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_approval_actions_total",
					Help: "Decision trace resolutions",
				},
				[]string{"status"},
			),
			GatewayRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentgate_gateway_requests_total",
					Help: "Tool gateway requests by method and result code",
				},
				[]string{"method", "code"},
			),
			GatewaySessions: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentgate_gateway_sessions",
					Help: "Active tool gateway sessions",
				},
			),
			StreamDropped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "agentgate_stream_events_dropped_total",
					Help: "Events dropped for slow stream observers",
				},
			),
		}
	})
	return sharedMetrics
}

// BreakerValue maps a breaker state name to the gauge value.
func BreakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
