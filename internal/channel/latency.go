package channel

import (
	"context"
	"time"

	"github.com/oriys/workerrelay/internal/observability"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// StartLatencyProbe runs the dynamic-concurrency round-trip probe on a
// fixed interval until ctx is cancelled or the channel's message pump
// exits. Callers gate this on cfg.DynamicConcurrencyEnabled themselves;
// the probe itself only skips a tick when the channel isn't Ready.
func (c *Channel) StartLatencyProbe(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.LatencyProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.pumpDone:
			return
		case <-ticker.C:
			if c.State() != StateReady {
				continue
			}
			c.probeOnce(ctx)
		}
	}
}

func (c *Channel) probeOnce(ctx context.Context) {
	_, span := observability.StartSpan(ctx, "channel.latency_probe", observability.AttrWorkerID.String(c.id))
	defer span.End()

	resCh := make(chan struct{}, 1)
	c.mu.Lock()
	c.pendingProbe = resCh
	c.mu.Unlock()

	started := time.Now()
	if err := c.send(rpcproto.KindWorkerStatusRequest, rpcproto.WorkerStatusRequestPayload{}); err != nil {
		observability.SetSpanError(span, err)
		return
	}

	select {
	case <-resCh:
		d := time.Since(started)
		span.SetAttributes(observability.AttrDurationMs.Int64(d.Milliseconds()))
		observability.SetSpanOK(span)
		c.recordLatency(d)
	case <-time.After(c.cfg.LatencyProbeInterval):
		observability.SetSpanError(span, ErrTimeout)
	case <-ctx.Done():
		observability.SetSpanError(span, ctx.Err())
	}
}

func (c *Channel) handleWorkerStatusResponse(msg *rpcproto.StreamingMessage) {
	c.mu.Lock()
	resCh := c.pendingProbe
	c.pendingProbe = nil
	c.mu.Unlock()

	if resCh == nil {
		return
	}
	select {
	case resCh <- struct{}{}:
	default:
	}
}

func (c *Channel) recordLatency(d time.Duration) {
	c.metrics.RecordLatencyProbe(c.id, float64(d.Milliseconds()))

	c.latencyMu.Lock()
	c.latencies = append(c.latencies, d)
	if max := c.cfg.LatencyHistorySize; max > 0 && len(c.latencies) > max {
		c.latencies = c.latencies[len(c.latencies)-max:]
	}
	c.latencyMu.Unlock()
}

// GetLatencies returns a snapshot of recent probe round-trip samples,
// oldest first, for the Dispatcher's concurrency-scaling decision.
func (c *Channel) GetLatencies() []time.Duration {
	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	out := make([]time.Duration, len(c.latencies))
	copy(out, c.latencies)
	return out
}
