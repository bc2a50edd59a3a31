// Package metrics provides Prometheus metrics for the prior-authorization
// browser-agent services.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts total HTTP requests by route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browseragent_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"route", "status"},
	)

	// HTTPRequestDuration tracks request duration by route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "browseragent_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"route"},
	)

	// SlotPoolSize shows the configured slot pool size (C1).
	SlotPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browseragent_slot_pool_size",
			Help: "Configured slot pool size",
		},
	)

	// SlotPoolAvailable shows available slots in the pool (C1).
	SlotPoolAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browseragent_slot_pool_available",
			Help: "Available slots in the pool",
		},
	)

	// ActiveSessions shows current active sessions (C3).
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browseragent_active_sessions",
			Help: "Number of active browser sessions",
		},
	)

	// SupervisorStartsTotal counts process-supervisor start attempts by outcome (C2).
	SupervisorStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browseragent_supervisor_starts_total",
			Help: "Total session start attempts by outcome",
		},
		[]string{"outcome"}, // ok, display_not_ready, vnc_start_failed, proxy_start_failed, browser_attach_failed
	)

	// IngestedRequestsTotal counts requests assigned by the batch ingestor (C5).
	IngestedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browseragent_ingested_requests_total",
			Help: "Total prior-authorization requests ingested by vendor",
		},
		[]string{"vendor"},
	)

	// DispatchedMessagesTotal counts work messages processed by the dispatch consumer (C6).
	DispatchedMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browseragent_dispatched_messages_total",
			Help: "Total work messages processed by outcome",
		},
		[]string{"outcome"}, // planner_ok, planner_failed, duplicate, malformed
	)

	// AgentRunsTotal counts agent runs by terminal status (C4).
	AgentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browseragent_agent_runs_total",
			Help: "Total agent runs by terminal status",
		},
		[]string{"status"}, // completed, failed, stopped
	)

	// MemoryUsageBytes shows current memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browseragent_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browseragent_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "browseragent_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "browseragent_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SlotPoolSize,
		SlotPoolAvailable,
		ActiveSessions,
		SupervisorStartsTotal,
		IngestedRequestsTotal,
		DispatchedMessagesTotal,
		AgentRunsTotal,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates memory metrics.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordHTTPRequest records metrics for a completed HTTP request.
func RecordHTTPRequest(route, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, status).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordSupervisorStart records a session start attempt outcome.
func RecordSupervisorStart(outcome string) {
	SupervisorStartsTotal.WithLabelValues(outcome).Inc()
}

// RecordIngested records ingested requests for a vendor.
func RecordIngested(vendor string, count int) {
	IngestedRequestsTotal.WithLabelValues(vendor).Add(float64(count))
}

// RecordDispatched records one dispatch-consumer outcome.
func RecordDispatched(outcome string) {
	DispatchedMessagesTotal.WithLabelValues(outcome).Inc()
}

// RecordAgentRun records one agent-run terminal status.
func RecordAgentRun(status string) {
	AgentRunsTotal.WithLabelValues(status).Inc()
}

// UpdateSlotPoolMetrics updates slot pool gauges (C1).
func UpdateSlotPoolMetrics(size, available int) {
	SlotPoolSize.Set(float64(size))
	SlotPoolAvailable.Set(float64(available))
}

// UpdateSessionMetrics updates the active session count gauge (C3).
func UpdateSessionMetrics(count int) {
	ActiveSessions.Set(float64(count))
}

// statusRecorder captures the status code written by the wrapped handler so
// Middleware can label HTTPRequestsTotal/HTTPRequestDuration after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records HTTPRequestsTotal and HTTPRequestDuration for every
// request, labeled by route (the matched mux pattern, falling back to the
// raw path for unmatched requests).
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		RecordHTTPRequest(route, http.StatusText(rec.status), time.Since(start))
	})
}
