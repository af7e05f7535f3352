// Package metrics holds the Prometheus collectors of the payroll engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payroll_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payroll_evaluation_duration_seconds",
		Help:    "Duration of structure evaluations",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
	}, []string{"source"})

	ruleSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_rule_skips_total",
		Help: "Rules skipped or zeroed during evaluation, by reason",
	}, []string{"reason"})

	structureMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_structure_mutations_total",
		Help: "Structure lifecycle operations by operation and result",
	}, []string{"operation", "result"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payroll_run_duration_seconds",
		Help:    "Duration of payroll run computations",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	runEmployees = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_run_employees_total",
		Help: "Employees computed in payroll runs, by source",
	}, []string{"source"})

	eventPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payroll_event_publishes_total",
		Help: "Activation event deliveries by sink and result",
	}, []string{"sink", "result"})

	eventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payroll_event_queue_depth",
		Help: "Activation events waiting for delivery",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveEvaluation records one engine evaluation and the reasons of the
// rules it skipped or zeroed.
func ObserveEvaluation(source string, duration time.Duration, reasons []string) {
	evaluationDuration.WithLabelValues(source).Observe(duration.Seconds())
	for _, r := range reasons {
		ruleSkips.WithLabelValues(r).Inc()
	}
}

// ObserveStructureMutation counts a lifecycle operation.
func ObserveStructureMutation(operation, result string) {
	structureMutations.WithLabelValues(operation, result).Inc()
}

// ObserveRun records a run computation.
func ObserveRun(result string, duration time.Duration, structured, legacy int) {
	runDuration.WithLabelValues(result).Observe(duration.Seconds())
	runEmployees.WithLabelValues("structure").Add(float64(structured))
	runEmployees.WithLabelValues("legacy").Add(float64(legacy))
}

// ObserveEventPublish counts an event delivery attempt.
func ObserveEventPublish(sink, result string) {
	eventPublishes.WithLabelValues(sink, result).Inc()
}

// SetEventQueueDepth reports the pending event count.
func SetEventQueueDepth(n int) {
	eventQueueDepth.Set(float64(n))
}

// Result maps an error to a "success"/"error" label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
