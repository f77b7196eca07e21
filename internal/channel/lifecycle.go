package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// drainPollInterval governs how often DrainInvocations checks whether
// the registry has emptied out. Short enough that a fast-draining
// channel doesn't wait a full tick for no reason, long enough not to
// spin.
const drainPollInterval = 20 * time.Millisecond

// DrainInvocations moves the channel to Draining and blocks until every
// in-flight invocation completes on its own, or ctx is cancelled.
// Drain never aborts in-flight work itself: a caller that wants to bound
// drain time passes a ctx with a deadline and races it against that, the
// same way the teacher's callers race a context against a worker call
// rather than have the callee invent its own timeout.
func (c *Channel) DrainInvocations(ctx context.Context) error {
	if err := c.transition(StateDraining); err != nil {
		return err
	}
	c.metrics.RecordChannelDrained(c.id, c.desc.Language)

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if c.registry.Len() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Terminate asks the worker to exit gracefully (when it advertised
// HandlesWorkerTerminate), waits for its process to exit within the
// grace period, and kills it otherwise. Reachable from every non-terminal
// state except Created: a channel can be torn down mid-startup, not only
// once Ready.
func (c *Channel) Terminate(ctx context.Context) error {
	if err := c.transition(StateTerminating); err != nil {
		return err
	}

	if c.Capabilities().Has(capability.HandlesWorkerTerminate) {
		grace := c.cfg.DrainGracePeriod
		logging.Op().Info(fmt.Sprintf("Sending WorkerTerminate message with grace period %v seconds", grace.Seconds()), "worker_id", c.id)
		if err := c.send(rpcproto.KindWorkerTerminate, rpcproto.WorkerTerminatePayload{GracePeriodSeconds: grace.Seconds()}); err != nil {
			logging.Op().Warn("channel: failed to send WorkerTerminate, falling back to kill", "worker_id", c.id, "error", err)
		}
	}

	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()

	if proc != nil {
		select {
		case <-proc.Done():
		case <-time.After(c.cfg.DrainGracePeriod):
			proc.Kill()
			<-proc.Done()
		case <-ctx.Done():
			proc.Kill()
			return ctx.Err()
		}
	}

	c.registry.TryFailExecutions(fmt.Errorf("%w: channel terminated", ErrCancelled))
	c.cancelPendingPromises()
	c.sub.Close()

	if err := c.transition(StateTerminated); err != nil {
		return err
	}
	c.metrics.RecordChannelTerminated(c.id, c.desc.Language)
	return nil
}
