package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_submissions_total",
			Help: "Batches submitted to the rules engine, by outcome.",
		},
		[]string{"outcome"},
	)

	submittedPatients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "automation_submitted_patients",
			Help:    "Patients per submitted batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
	)

	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_progress_polls_total",
			Help: "Progress polls issued, by result.",
		},
		[]string{"result"},
	)

	pollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "automation_progress_poll_duration_seconds",
			Help:    "Latency of progress polls.",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_active_runs",
			Help: "Executions currently being polled.",
		},
	)

	reconciliationGaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_reconciliation_gaps_total",
			Help: "Result fragments dropped for lacking an appointment id.",
		},
	)

	runOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_run_outcomes_total",
			Help: "Finished runs, by outcome status.",
		},
		[]string{"status"},
	)

	rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_rollbacks_total",
			Help: "Per-rule rollback calls, by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_http_requests_total",
			Help: "HTTP requests served by the automation service.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_http_request_duration_seconds",
			Help:    "HTTP request latency of the automation service.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordSubmission(outcome string, patients int) {
	submissionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		submittedPatients.Observe(float64(patients))
	}
}

func RecordPoll(result string, duration time.Duration) {
	pollsTotal.WithLabelValues(result).Inc()
	pollDuration.Observe(duration.Seconds())
}

func RunStarted()  { activeRuns.Inc() }
func RunFinished() { activeRuns.Dec() }

func RecordReconciliationGap() {
	reconciliationGaps.Inc()
}

func RecordRunOutcome(status string) {
	runOutcomes.WithLabelValues(status).Inc()
}

func RecordRollback(outcome string) {
	rollbacksTotal.WithLabelValues(outcome).Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
