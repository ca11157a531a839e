// Package metrics holds the Prometheus registry shared by the engine,
// the dispatcher and the read API. Every metric lives on a dedicated
// (non-global) registry so tests can build isolated instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Breaker gauge values. Half-open sits between the terminal states so
// dashboards can alert on anything > 0.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	reg *prometheus.Registry

	// Cycle pipeline metrics
	CycleDuration  prometheus.Histogram
	StepDuration   *prometheus.HistogramVec
	PipelineSteps  *prometheus.CounterVec
	CyclesDegraded prometheus.Counter

	// Ingestion and detection volume
	SnapshotsInserted prometheus.Counter
	ConsensusRows     prometheus.Counter
	SignalsCreated    *prometheus.CounterVec

	// Alert delivery
	AlertsSent      prometheus.Counter
	AlertsFailed    prometheus.Counter
	AlertsDropped   prometheus.Counter
	WebhookDuration *prometheus.HistogramVec

	// Upstream budget and circuit state
	ProviderCredits prometheus.Gauge
	BreakerState    prometheus.Gauge

	// Retention sweeps
	RowsSwept *prometheus.CounterVec

	// Read API
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	StreamClients prometheus.Gauge
}

// NewRegistry creates a registry with all service metrics registered.
func NewRegistry() *Registry {
	m := &Registry{
		reg: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stratum_cycle_duration_seconds",
				Help:    "Wall-clock duration of full poll cycles",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratum_step_duration_seconds",
				Help:    "Duration of each cycle step in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"step", "result"},
		),

		PipelineSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_pipeline_steps_total",
				Help: "Cycle steps executed, labelled by outcome",
			},
			[]string{"step", "result"},
		),

		CyclesDegraded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_cycles_degraded_total",
				Help: "Cycles that completed with at least one failed step",
			},
		),

		SnapshotsInserted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_snapshots_inserted_total",
				Help: "Odds snapshot rows written",
			},
		),

		ConsensusRows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_consensus_rows_total",
				Help: "Consensus snapshot rows written",
			},
		),

		SignalsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_signals_created_total",
				Help: "Signals persisted, labelled by type",
			},
			[]string{"signal_type"},
		),

		AlertsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_alerts_sent_total",
				Help: "Webhook deliveries that reached a 2xx response",
			},
		),

		AlertsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_alerts_failed_total",
				Help: "Webhook deliveries exhausted or terminally rejected",
			},
		),

		AlertsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stratum_alerts_dropped_total",
				Help: "Deliveries dropped because the dispatch queue was full",
			},
		),

		WebhookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratum_webhook_duration_ms",
				Help:    "Webhook POST round-trip in milliseconds",
				Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"result"},
		),

		ProviderCredits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stratum_provider_credits_remaining",
				Help: "Odds provider request credits remaining per its headers",
			},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stratum_breaker_state",
				Help: "Odds provider circuit state (0=closed 1=half-open 2=open)",
			},
		),

		RowsSwept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_rows_swept_total",
				Help: "Rows deleted by retention sweeps, labelled by table",
			},
			[]string{"table"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratum_http_requests_total",
				Help: "Read API requests by route, method and status class",
			},
			[]string{"route", "method", "status"},
		),

		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stratum_http_duration_seconds",
				Help:    "Read API handler latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"route"},
		),

		StreamClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stratum_stream_clients",
				Help: "Connected websocket stream clients",
			},
		),
	}

	m.reg.MustRegister(
		m.CycleDuration,
		m.StepDuration,
		m.PipelineSteps,
		m.CyclesDegraded,
		m.SnapshotsInserted,
		m.ConsensusRows,
		m.SignalsCreated,
		m.AlertsSent,
		m.AlertsFailed,
		m.AlertsDropped,
		m.WebhookDuration,
		m.ProviderCredits,
		m.BreakerState,
		m.RowsSwept,
		m.HTTPRequests,
		m.HTTPDuration,
		m.StreamClients,
	)

	return m
}

// StepTimer tracks execution time for one cycle step.
type StepTimer struct {
	metrics *Registry
	step    string
	start   time.Time
}

// StartStepTimer begins timing a cycle step.
func (m *Registry) StartStepTimer(step string) *StepTimer {
	return &StepTimer{
		metrics: m,
		step:    step,
		start:   time.Now(),
	}
}

// Stop completes the step timing and records the outcome.
func (st *StepTimer) Stop(result string) {
	duration := time.Since(st.start)
	st.metrics.StepDuration.WithLabelValues(st.step, result).Observe(duration.Seconds())
	st.metrics.PipelineSteps.WithLabelValues(st.step, result).Inc()

	log.Debug().
		Str("step", st.step).
		Str("result", result).
		Dur("duration", duration).
		Msg("cycle step completed")
}

// SetBreakerState maps a circuit state name onto the gauge.
func (m *Registry) SetBreakerState(state string) {
	switch state {
	case "open":
		m.BreakerState.Set(BreakerOpen)
	case "half-open":
		m.BreakerState.Set(BreakerHalfOpen)
	default:
		m.BreakerState.Set(BreakerClosed)
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Snapshot gathers every registered family into a flat name->value map
// for the JSON metrics endpoint. Vector metrics are summed across their
// label sets; histograms report their sample count.
func (m *Registry) Snapshot() (map[string]float64, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(families))
	for _, fam := range families {
		var total float64
		for _, metric := range fam.GetMetric() {
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				total += metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				total += metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				total += float64(metric.GetHistogram().GetSampleCount())
			case dto.MetricType_SUMMARY:
				total += float64(metric.GetSummary().GetSampleCount())
			}
		}
		out[fam.GetName()] = total
	}
	return out, nil
}
