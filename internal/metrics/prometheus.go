package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for the worker channel.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	channelState *prometheus.GaugeVec // 0..N by state, one gauge per worker/state pair set to 1
	failuresTotal *prometheus.CounterVec

	phaseDuration *prometheus.HistogramVec

	invocationsTotal    *prometheus.CounterVec
	invocationDuration  *prometheus.HistogramVec

	functionLoadTotal *prometheus.CounterVec

	latencyProbe *prometheus.HistogramVec

	uptime prometheus.GaugeFunc
}

// defaultLatencyBuckets covers the millisecond range expected for a
// round-trip across the worker's stream, from a warm in-process call up
// to a multi-second cold path.
var defaultLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// phaseBuckets covers startup/init/load phases, which tend to run longer
// than a single invocation.
var phaseBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem. buckets
// overrides the invocation-latency histogram buckets; pass nil for the
// default.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultLatencyBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		channelState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channel_state",
				Help:      "Current worker channel state (1 for the active state, 0 otherwise) by worker and language",
			},
			[]string{"worker_id", "language", "state"},
		),

		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_failures_total",
				Help:      "Total worker channel failures by reason",
			},
			[]string{"worker_id", "reason"},
		),

		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "channel_phase_duration_milliseconds",
				Help:      "Duration of a worker channel lifecycle phase (start, init, env_reload, function_load) in milliseconds",
				Buckets:   phaseBuckets,
			},
			[]string{"phase", "worker_id", "outcome"},
		),

		invocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total invocations dispatched to workers by outcome",
			},
			[]string{"worker_id", "function_id", "outcome"},
		),

		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "End-to-end invocation duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"worker_id", "function_id", "outcome"},
		),

		functionLoadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "function_load_total",
				Help:      "Total function load attempts by result",
			},
			[]string{"worker_id", "function_id", "result"},
		),

		latencyProbe: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "latency_probe_milliseconds",
				Help:      "Round-trip latency samples from the dynamic concurrency probe",
				Buckets:   defaultLatencyBuckets,
			},
			[]string{"worker_id"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the metrics subsystem was initialized",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.channelState,
		pm.failuresTotal,
		pm.phaseDuration,
		pm.invocationsTotal,
		pm.invocationDuration,
		pm.functionLoadTotal,
		pm.latencyProbe,
		pm.uptime,
	)

	promMetrics = pm
}

// channelStates enumerates the gauge labels RecordPrometheusChannelState
// clears before setting the active one, so a worker never shows two states
// as simultaneously active in the exported gauge.
var channelStates = []string{"starting", "started", "initializing", "initialized", "loading_functions", "ready", "draining", "terminating", "terminated", "failed"}

// RecordPrometheusChannelState sets the channel-state gauge for a worker,
// zeroing every other known state label for that worker first.
func RecordPrometheusChannelState(workerID, language, state string) {
	if promMetrics == nil {
		return
	}
	for _, s := range channelStates {
		if s == state {
			continue
		}
		promMetrics.channelState.WithLabelValues(workerID, language, s).Set(0)
	}
	promMetrics.channelState.WithLabelValues(workerID, language, state).Set(1)
}

// RecordPrometheusFailureReason increments the failure counter for a worker.
func RecordPrometheusFailureReason(workerID, reason string) {
	if promMetrics == nil {
		return
	}
	promMetrics.failuresTotal.WithLabelValues(workerID, reason).Inc()
}

// RecordPrometheusPhase records the duration of a lifecycle phase.
func RecordPrometheusPhase(phase, workerID string, durationMs int64, ok bool) {
	if promMetrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	promMetrics.phaseDuration.WithLabelValues(phase, workerID, outcome).Observe(float64(durationMs))
}

// RecordPrometheusInvocation records an invocation outcome and duration.
func RecordPrometheusInvocation(workerID, functionID, outcome string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.invocationsTotal.WithLabelValues(workerID, functionID, outcome).Inc()
	promMetrics.invocationDuration.WithLabelValues(workerID, functionID, outcome).Observe(float64(durationMs))
}

// RecordPrometheusFunctionLoad records a function load attempt's result.
func RecordPrometheusFunctionLoad(workerID, functionID string, ok bool) {
	if promMetrics == nil {
		return
	}
	result := "loaded"
	if !ok {
		result = "failed"
	}
	promMetrics.functionLoadTotal.WithLabelValues(workerID, functionID, result).Inc()
}

// RecordPrometheusLatencyProbe records a round-trip sample from the dynamic
// concurrency probe.
func RecordPrometheusLatencyProbe(workerID string, durationMs float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.latencyProbe.WithLabelValues(workerID).Observe(durationMs)
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the registry, for registering custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
