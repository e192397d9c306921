package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge
	turnsTotal     *prometheus.CounterVec

	derivationsTotal prometheus.Counter
	handoffsTotal    *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	validationErrorsTotal *prometheus.CounterVec
	bindingMissesTotal    *prometheus.CounterVec

	packRunsTotal *prometheus.CounterVec

	journalWriteDuration prometheus.Histogram
	journalReadDuration  prometheus.Histogram

	externalFetchTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count.",
				},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turns_total",
					Help: "Total turns processed by event kind.",
				},
				[]string{"kind"},
			),
			derivationsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "derivations_total",
					Help: "Total state transitions applied by the derivation engine.",
				},
			),
			handoffsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "handoffs_total",
					Help: "Total handoff decisions by target kind.",
				},
				[]string{"target"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			validationErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "validation_errors_total",
					Help: "Total structured output payloads rejected by schema validation, by shape.",
				},
				[]string{"shape"},
			),
			bindingMissesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "binding_misses_total",
					Help: "Total structured outputs with no declared tool binding, by shape.",
				},
				[]string{"shape"},
			),
			packRunsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pack_runs_total",
					Help: "Total pack runs by outcome.",
				},
				[]string{"status"},
			),
			journalWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "journal_write_duration_seconds",
					Help:    "Turn journal append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			journalReadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "journal_read_duration_seconds",
					Help:    "Turn journal replay duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			externalFetchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "external_fetch_total",
					Help: "Total external variable fetches by variable and status.",
				},
				[]string{"variable", "status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.turnsTotal,
			m.derivationsTotal,
			m.handoffsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.validationErrorsTotal,
			m.bindingMissesTotal,
			m.packRunsTotal,
			m.journalWriteDuration,
			m.journalReadDuration,
			m.externalFetchTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordTurn(kind string) {
	m := getMetrics()
	m.turnsTotal.WithLabelValues(kind).Inc()
}

func RecordDerivations(n int) {
	if n <= 0 {
		return
	}
	m := getMetrics()
	m.derivationsTotal.Add(float64(n))
}

func RecordHandoff(target string) {
	m := getMetrics()
	m.handoffsTotal.WithLabelValues(target).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordValidationError(shape string) {
	m := getMetrics()
	m.validationErrorsTotal.WithLabelValues(shape).Inc()
}

func RecordBindingMiss(shape string) {
	m := getMetrics()
	m.bindingMissesTotal.WithLabelValues(shape).Inc()
}

func RecordPackRun(status string) {
	m := getMetrics()
	m.packRunsTotal.WithLabelValues(status).Inc()
}

func RecordJournalWrite(duration time.Duration) {
	m := getMetrics()
	m.journalWriteDuration.Observe(duration.Seconds())
}

func RecordJournalRead(duration time.Duration) {
	m := getMetrics()
	m.journalReadDuration.Observe(duration.Seconds())
}

func RecordExternalFetch(variable string, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.externalFetchTotal.WithLabelValues(variable, status).Inc()
}
