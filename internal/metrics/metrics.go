// ============================================================================
// MachaonWeb Metrics
// ============================================================================
//
// Package: internal/metrics
// Purpose: Collect and expose Prometheus metrics for the coordinator's
// control plane — requests admitted, jobs dispatched/finalized, node
// availability, sync outcomes.
//
// Grounded on internal/metrics/metrics.go (teacher): a Collector struct of
// prometheus.Counter/Histogram/Gauge fields, NewCollector registering each,
// StartServer exposing /metrics via promhttp.Handler(). Retargeted from
// job-queue metric names (queue_jobs_*) to MachaonWeb domain names.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the scheduler and admission pipeline report.
type Collector struct {
	requestsAdmitted *prometheus.CounterVec
	jobsDispatched   prometheus.Counter
	jobsFinalized    *prometheus.CounterVec
	jobsReused       prometheus.Counter
	nodesActive      prometheus.Gauge
	nodesIdle        prometheus.Gauge
	syncOutcomes     *prometheus.CounterVec
	loopDuration     *prometheus.HistogramVec
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		requestsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machaonweb_requests_admitted_total",
			Help: "Total admission attempts, labeled by resulting status_code.",
		}, []string{"status"}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "machaonweb_jobs_dispatched_total",
			Help: "Total jobs successfully handed to a worker node.",
		}),
		jobsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machaonweb_jobs_finalized_total",
			Help: "Total jobs that reached a terminal state, labeled by status_code.",
		}, []string{"status"}),
		jobsReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "machaonweb_jobs_reused_total",
			Help: "Total requests fulfilled by adopting a prior archive instead of dispatch.",
		}),
		nodesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "machaonweb_nodes_active",
			Help: "Number of admin-enabled worker nodes at last observation.",
		}),
		nodesIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "machaonweb_nodes_idle",
			Help: "Number of active, non-working worker nodes at last observation.",
		}),
		syncOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "machaonweb_sync_total",
			Help: "Total Loop 3 cache-sync attempts, labeled by result.",
		}, []string{"result"}),
		loopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "machaonweb_scheduler_loop_duration_seconds",
			Help:    "Wall-clock duration of one scheduler loop tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
	}

	prometheus.MustRegister(
		c.requestsAdmitted,
		c.jobsDispatched,
		c.jobsFinalized,
		c.jobsReused,
		c.nodesActive,
		c.nodesIdle,
		c.syncOutcomes,
		c.loopDuration,
	)

	return c
}

// RecordAdmission records an admission attempt's resulting status_code. Its
// caller is the REST handler that wraps admission.Admit — out of scope per
// spec §1, so nothing in this binary invokes it yet; kept for whichever
// surface ends up calling Admit.
func (c *Collector) RecordAdmission(statusCode int32) {
	c.requestsAdmitted.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()
}

// RecordDispatch records a job handed to a worker node by Loop 1.
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordReuse records a request fulfilled via result reuse (spec §4.D, Loop 1 step 3).
func (c *Collector) RecordReuse() {
	c.jobsReused.Inc()
}

// RecordFinalized records a job reaching a terminal state under statusCode.
func (c *Collector) RecordFinalized(statusCode int32) {
	c.jobsFinalized.WithLabelValues(fmt.Sprintf("%d", statusCode)).Inc()
}

// SetNodeCounts updates the point-in-time active/idle node gauges.
func (c *Collector) SetNodeCounts(active, idle int) {
	c.nodesActive.Set(float64(active))
	c.nodesIdle.Set(float64(idle))
}

// RecordSync records a Loop 3 cache-sync attempt's outcome ("ok", "empty",
// "rejected", "error").
func (c *Collector) RecordSync(result string) {
	c.syncOutcomes.WithLabelValues(result).Inc()
}

// ObserveLoopDuration records how long one tick of the named loop took.
func (c *Collector) ObserveLoopDuration(loop string, seconds float64) {
	c.loopDuration.WithLabelValues(loop).Observe(seconds)
}

// StartServer starts the Prometheus metrics HTTP server on port, serving
// /metrics via promhttp.Handler(), mirroring the teacher's StartServer.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
