// Package metrics exposes the prometheus instrumentation for batch runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paper-tape/internal/domain"
)

// Batch result labels.
const (
	ResultSuccess = "success"
	ResultLocked  = "locked"
	ResultError   = "error"
)

// Metrics holds every collector behind /metrics. It owns its registry so
// multiple instances never collide.
type Metrics struct {
	registry *prometheus.Registry

	BatchRuns        *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	SymbolsProcessed *prometheus.CounterVec
	SkipCauses       *prometheus.CounterVec

	PredictionsWritten prometheus.Counter
	OutcomesWritten    prometheus.Counter
	AnomaliesFlagged   prometheus.Counter

	// DataLeakageAlarm counts records rejected for lookahead. Any nonzero
	// value means the pipeline computed on data it could not have had.
	DataLeakageAlarm prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BatchRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paper_tape_batch_runs_total",
				Help: "Batch invocations by kind and result",
			},
			[]string{"kind", "result"},
		),

		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paper_tape_batch_duration_seconds",
				Help:    "Wall-clock duration of batch runs",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),

		SymbolsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paper_tape_symbols_processed_total",
				Help: "Per-symbol work items by kind and status",
			},
			[]string{"kind", "status"},
		),

		SkipCauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paper_tape_skip_causes_total",
				Help: "Skipped work items by error taxonomy category",
			},
			[]string{"kind", "cause"},
		),

		PredictionsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "paper_tape_predictions_written_total",
				Help: "Predictions committed through the gate",
			},
		),

		OutcomesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "paper_tape_outcomes_written_total",
				Help: "Outcomes committed through the gate",
			},
		),

		AnomaliesFlagged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "paper_tape_anomalies_flagged_total",
				Help: "Component score vectors flagged by the quality screen",
			},
		),

		DataLeakageAlarm: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "paper_tape_data_leakage_alarm_total",
				Help: "Records rejected because a feature or price timestamp postdates its decision boundary; investigate any nonzero value",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BatchRuns,
		m.BatchDuration,
		m.SymbolsProcessed,
		m.SkipCauses,
		m.PredictionsWritten,
		m.OutcomesWritten,
		m.AnomaliesFlagged,
		m.DataLeakageAlarm,
	)
	return m
}

// ObserveBatch records one finished batch run from its summary.
func (m *Metrics) ObserveBatch(s domain.BatchSummary, result string) {
	kind := string(s.Kind)

	m.BatchRuns.WithLabelValues(kind, result).Inc()
	if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
		m.BatchDuration.WithLabelValues(kind).Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	}

	m.SymbolsProcessed.WithLabelValues(kind, "succeeded").Add(float64(s.Succeeded))
	m.SymbolsProcessed.WithLabelValues(kind, "skipped").Add(float64(s.Failed))

	m.SkipCauses.WithLabelValues(kind, "insufficient_signal").Add(float64(s.InsufficientSignal))
	m.SkipCauses.WithLabelValues(kind, "price_unavailable").Add(float64(s.PriceUnavailable))
	m.SkipCauses.WithLabelValues(kind, "data_leakage").Add(float64(s.DataLeakage))
	m.SkipCauses.WithLabelValues(kind, "malformed_score").Add(float64(s.MalformedScore))
	m.SkipCauses.WithLabelValues(kind, "lock_contention").Add(float64(s.LockContention))

	m.PredictionsWritten.Add(float64(s.PredictionsWritten))
	m.OutcomesWritten.Add(float64(s.OutcomesWritten))
	m.AnomaliesFlagged.Add(float64(s.AnomaliesFlagged))

	if s.DataLeakage > 0 {
		m.DataLeakageAlarm.Add(float64(s.DataLeakage))
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
