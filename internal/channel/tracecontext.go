package channel

import (
	"context"
	"strconv"

	"github.com/oriys/workerrelay/internal/observability"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// buildTraceContext carries the invocation's span correlation and, when
// the telemetry agent is enabled, host-identifying attributes the
// worker echoes back into its own logs. Those attributes stay empty
// when tracing is disabled, so a worker never sees them leak from a
// disabled agent.
func (c *Channel) buildTraceContext(ctx context.Context) rpcproto.TraceContext {
	otelTC := observability.ExtractTraceContext(ctx)
	tc := rpcproto.TraceContext{
		TraceParent: otelTC.TraceParent,
		TraceState:  otelTC.TraceState,
	}

	tc.ProcessID, tc.HostInstanceID, tc.CategoryName, tc.LiveLogsSessionID = observability.EnrichTraceContext(
		c.processID(), c.id, "Function.Invocation", c.liveLogsSessionID,
	)
	return tc
}

func (c *Channel) processID() string {
	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc == nil {
		return ""
	}
	return strconv.Itoa(proc.PID())
}
