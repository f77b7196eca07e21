package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/process"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// Start launches the worker process and drives it through Starting,
// Started, Initializing, and Initialized. env is the process environment
// to launch the worker with; it is the caller's responsibility to
// sanitize it. The Sender must be attached via SetSender by the time the
// worker's StartStream arrives, since WorkerInitRequest goes out through
// it — in the real transport case the gRPC server attaches a Link when it
// accepts the worker's stream, which happens after Start has launched the
// process, and the worker announces itself over that very stream.
func (c *Channel) Start(ctx context.Context, env []string) error {
	if err := c.transition(StateStarting); err != nil {
		return err
	}
	c.metrics.RecordChannelStarted(c.id, c.desc.Language)

	started := time.Now()
	handle, err := c.supervisor.Start(ctx, process.Description{
		Executable: c.desc.Executable,
		Arguments:  c.desc.Arguments,
		WorkingDir: c.desc.WorkerDir,
		Env:        env,
	})
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrWorkerProcessFailure, err)
		c.fail("start", wrapped)
		return wrapped
	}

	c.mu.Lock()
	c.proc = handle
	c.mu.Unlock()
	go c.watchProcess(handle)

	if err := c.transition(StateStarted); err != nil {
		c.fail("start", err)
		return err
	}
	c.metrics.RecordPhase("start", c.id, time.Since(started).Milliseconds(), true)

	if err := c.awaitStartStream(ctx); err != nil {
		c.fail("start", err)
		return err
	}

	return c.initialize(ctx)
}

// watchProcess fails the channel if the worker process exits before the
// channel reached a terminal state on its own. An exit while Terminating
// is the expected end of Terminate and is left for Terminate to finish.
func (c *Channel) watchProcess(handle process.Handle) {
	<-handle.Done()
	c.mu.Lock()
	expected := c.state.Terminal() || c.state == StateTerminating
	c.mu.Unlock()
	if expected {
		return
	}
	c.fail("process_exit", fmt.Errorf("%w: worker process exited: %v", ErrWorkerProcessFailure, handle.ExitErr()))
}

func (c *Channel) awaitStartStream(ctx context.Context) error {
	select {
	case <-c.startStreamCh:
		return nil
	case <-time.After(c.cfg.StartupTimeout):
		return fmt.Errorf("%w: no StartStream within %s", ErrTimeout, c.cfg.StartupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) handleStartStream(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.StartStreamPayload
	if err := msg.Decode(&payload); err != nil {
		c.fail("protocol", fmt.Errorf("%w: malformed StartStream: %v", ErrProtocolViolation, err))
		return
	}
	if payload.WorkerID != c.id {
		c.fail("protocol", fmt.Errorf("%w: StartStream announced worker %s, expected %s", ErrProtocolViolation, payload.WorkerID, c.id))
		return
	}
	c.startStreamOnce.Do(func() { close(c.startStreamCh) })
}

// initialize sends WorkerInitRequest and waits for the worker's response,
// freezing the negotiated capability set on success.
func (c *Channel) initialize(ctx context.Context) error {
	if err := c.transition(StateInitializing); err != nil {
		return err
	}

	started := time.Now()
	req := rpcproto.WorkerInitRequestPayload{
		HostVersion:            hostVersion,
		WorkerDirectory:        c.desc.WorkerDir,
		FunctionAppDirectory:   c.desc.WorkerDir,
		ProtocolVersion:        protocolVersion,
		HostCapabilities:       c.hostCapabilities(),
		V2CompatibilityEnabled: c.cfg.V2CompatibilityMode,
	}
	if err := c.send(rpcproto.KindWorkerInitRequest, req); err != nil {
		c.metrics.RecordPhase("init", c.id, time.Since(started).Milliseconds(), false)
		c.fail("init", err)
		return err
	}

	var res initResult
	select {
	case res = <-c.initResultCh:
	case <-time.After(c.cfg.InitTimeout):
		res.err = fmt.Errorf("%w: no WorkerInitResponse within %s", ErrTimeout, c.cfg.InitTimeout)
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		c.metrics.RecordPhase("init", c.id, time.Since(started).Milliseconds(), false)
		c.fail("init", res.err)
		return res.err
	}

	c.mu.Lock()
	c.caps = capability.FromMap(res.caps)
	c.mu.Unlock()
	c.metrics.RecordPhase("init", c.id, time.Since(started).Milliseconds(), true)

	return c.transition(StateInitialized)
}

func (c *Channel) handleWorkerInitResponse(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.WorkerInitResponsePayload
	if err := msg.Decode(&payload); err != nil {
		c.deliverInitResult(initResult{err: fmt.Errorf("%w: malformed WorkerInitResponse: %v", ErrProtocolViolation, err)})
		return
	}
	if payload.Result.Status != rpcproto.StatusSuccess {
		c.deliverInitResult(initResult{err: fmt.Errorf("%w: %s", ErrWorkerProcessFailure, payload.Result.Exception)})
		return
	}
	c.deliverInitResult(initResult{caps: payload.Capabilities})
}

func (c *Channel) deliverInitResult(r initResult) {
	select {
	case c.initResultCh <- r:
	default:
	}
}
