package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyBucket is an aggregate of round-trip samples for one worker over
// a window. Nothing in this package fills it in: the JSON view (Snapshot,
// ChannelStats) reports invocation latency from the atomic counters, and
// probe samples go only to the Prometheus histogram in prometheus.go.
type LatencyBucket struct {
	Timestamp time.Time
	Count     int64
	TotalMs   int64
}

// Metrics collects and exposes worker-channel runtime counters. One instance
// is shared process-wide; per-channel breakdowns live in channelMetrics
// keyed by worker ID.
type Metrics struct {
	ChannelsStarted   atomic.Int64
	ChannelsReady     atomic.Int64
	ChannelsFailed    atomic.Int64
	ChannelsDrained   atomic.Int64
	ChannelsTerminated atomic.Int64

	InvocationsDispatched atomic.Int64
	InvocationsSucceeded  atomic.Int64
	InvocationsFailed     atomic.Int64
	InvocationsCancelled  atomic.Int64
	InvocationsTimedOut   atomic.Int64

	FunctionsLoaded atomic.Int64
	FunctionsFailed atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	channelMetrics sync.Map // workerID -> *ChannelMetrics

	startTime time.Time
}

// ChannelMetrics tracks per-worker-channel counters.
type ChannelMetrics struct {
	Dispatched atomic.Int64
	Succeeded  atomic.Int64
	Failed     atomic.Int64
	Cancelled  atomic.Int64
	TimedOut   atomic.Int64
	TotalMs    atomic.Int64
	MinMs      atomic.Int64
	MaxMs      atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
}

// Global returns the global metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics subsystem was initialized.
func StartTime() time.Time { return global.startTime }

// RecordPhase records the wall-clock duration of a channel lifecycle phase
// (start, init, env-reload, function-load-batch) for Prometheus. The
// in-process counters track only channel state transitions, not phase
// timing, so this is a pure pass-through to the Prometheus bridge.
func (m *Metrics) RecordPhase(phase, workerID string, durationMs int64, ok bool) {
	RecordPrometheusPhase(phase, workerID, durationMs, ok)
}

// RecordChannelStarted records a worker channel entering the Starting state.
func (m *Metrics) RecordChannelStarted(workerID, language string) {
	m.ChannelsStarted.Add(1)
	RecordPrometheusChannelState(workerID, language, "starting")
}

// RecordChannelReady records a worker channel reaching Ready.
func (m *Metrics) RecordChannelReady(workerID, language string) {
	m.ChannelsReady.Add(1)
	RecordPrometheusChannelState(workerID, language, "ready")
}

// RecordChannelFailed records a worker channel transitioning to Failed.
func (m *Metrics) RecordChannelFailed(workerID, language, reason string) {
	m.ChannelsFailed.Add(1)
	RecordPrometheusChannelState(workerID, language, "failed")
	RecordPrometheusFailureReason(workerID, reason)
}

// RecordChannelDrained records a worker channel entering Draining.
func (m *Metrics) RecordChannelDrained(workerID, language string) {
	m.ChannelsDrained.Add(1)
	RecordPrometheusChannelState(workerID, language, "draining")
}

// RecordChannelTerminated records a worker channel reaching Terminated.
func (m *Metrics) RecordChannelTerminated(workerID, language string) {
	m.ChannelsTerminated.Add(1)
	RecordPrometheusChannelState(workerID, language, "terminated")
}

// RecordInvocation records the outcome of one invocation on a given worker.
// outcome is one of "success", "failure", "cancelled", "timeout".
func (m *Metrics) RecordInvocation(workerID, functionID, outcome string, durationMs int64) {
	m.InvocationsDispatched.Add(1)
	switch outcome {
	case "success":
		m.InvocationsSucceeded.Add(1)
	case "failure":
		m.InvocationsFailed.Add(1)
	case "cancelled":
		m.InvocationsCancelled.Add(1)
	case "timeout":
		m.InvocationsTimedOut.Add(1)
	}

	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	cm := m.getChannelMetrics(workerID)
	cm.Dispatched.Add(1)
	switch outcome {
	case "success":
		cm.Succeeded.Add(1)
	case "failure":
		cm.Failed.Add(1)
	case "cancelled":
		cm.Cancelled.Add(1)
	case "timeout":
		cm.TimedOut.Add(1)
	}
	cm.TotalMs.Add(durationMs)
	updateMin(&cm.MinMs, durationMs)
	updateMax(&cm.MaxMs, durationMs)

	RecordPrometheusInvocation(workerID, functionID, outcome, durationMs)
}

// RecordFunctionLoad records the result of loading one function into a
// worker.
func (m *Metrics) RecordFunctionLoad(workerID, functionID string, ok bool) {
	if ok {
		m.FunctionsLoaded.Add(1)
	} else {
		m.FunctionsFailed.Add(1)
	}
	RecordPrometheusFunctionLoad(workerID, functionID, ok)
}

// RecordLatencyProbe feeds one round-trip sample from the dynamic
// concurrency probe into the Prometheus histogram. The in-process ring
// buffer of raw samples lives on the channel itself (GetLatencies); this
// call only mirrors the sample into the process-wide histogram.
func (m *Metrics) RecordLatencyProbe(workerID string, durationMs float64) {
	RecordPrometheusLatencyProbe(workerID, durationMs)
}

func (m *Metrics) getChannelMetrics(workerID string) *ChannelMetrics {
	if v, ok := m.channelMetrics.Load(workerID); ok {
		return v.(*ChannelMetrics)
	}
	cm := &ChannelMetrics{}
	cm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.channelMetrics.LoadOrStore(workerID, cm)
	return actual.(*ChannelMetrics)
}

// Snapshot returns a point-in-time view of the process-wide counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.InvocationsDispatched.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"channels": map[string]interface{}{
			"started":    m.ChannelsStarted.Load(),
			"ready":      m.ChannelsReady.Load(),
			"failed":     m.ChannelsFailed.Load(),
			"draining":   m.ChannelsDrained.Load(),
			"terminated": m.ChannelsTerminated.Load(),
		},
		"invocations": map[string]interface{}{
			"dispatched": total,
			"succeeded":  m.InvocationsSucceeded.Load(),
			"failed":     m.InvocationsFailed.Load(),
			"cancelled":  m.InvocationsCancelled.Load(),
			"timed_out":  m.InvocationsTimedOut.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"functions": map[string]interface{}{
			"loaded": m.FunctionsLoaded.Load(),
			"failed": m.FunctionsFailed.Load(),
		},
	}
}

// ChannelStats returns per-worker-channel breakdowns.
func (m *Metrics) ChannelStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.channelMetrics.Range(func(key, value interface{}) bool {
		workerID := key.(string)
		cm := value.(*ChannelMetrics)

		total := cm.Dispatched.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(cm.TotalMs.Load()) / float64(total)
		}

		minMs := cm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[workerID] = map[string]interface{}{
			"dispatched": total,
			"succeeded":  cm.Succeeded.Load(),
			"failed":     cm.Failed.Load(),
			"cancelled":  cm.Cancelled.Load(),
			"timed_out":  cm.TimedOut.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     cm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["channel_stats"] = m.ChannelStats()
		json.NewEncoder(w).Encode(result)
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
