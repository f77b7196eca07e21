// Package channel implements the Worker Channel: the host-side state
// machine that owns one out-of-process worker for its entire lifetime,
// from starting the process through initialization, function loading,
// invocation dispatch, draining, and termination.
//
// # Actor model
//
// A Channel serializes all protocol-affecting state through a single
// goroutine: the message pump reading off its event-bus subscription.
// Public methods (SendInvocation, LoadFunctions, Terminate, ...) may be
// called concurrently from any goroutine, but they only ever mutate state
// under the channel's mutex or by handing work to the pump; the pump
// itself never blocks on a caller. This mirrors how the teacher's
// circuit breaker keeps its sliding window single-writer even though
// Allow/Record are called from arbitrary goroutines.
//
// # Ownership
//
// A Channel owns its Invocation Registry and Function Load Manager
// outright — they are not shared with any other channel. It holds a
// reference to the shared Event Bus and Shared-Memory Manager, which are
// process-wide, but never references another channel directly: the
// event bus is what lets a worker's messages reach exactly one channel
// without either side knowing about the other's existence.
package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/config"
	"github.com/oriys/workerrelay/internal/eventbus"
	"github.com/oriys/workerrelay/internal/functionload"
	"github.com/oriys/workerrelay/internal/invocation"
	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/metrics"
	"github.com/oriys/workerrelay/internal/process"
	"github.com/oriys/workerrelay/internal/rpcproto"
	"github.com/oriys/workerrelay/internal/sharedmem"
)

const (
	hostVersion     = "1.0.0"
	protocolVersion = "1.0.0"
)

// Sender is the outbound half of a worker's transport: whatever delivers
// an encoded envelope to the worker process. *transport.Link satisfies
// this directly; tests substitute a loopback fake worker.
type Sender interface {
	Send(msg *rpcproto.StreamingMessage) error
}

// initResult is what the pump hands back to Start once a
// WorkerInitResponse arrives.
type initResult struct {
	caps map[string]string
	err  error
}

// Channel is one worker's host-side state machine.
type Channel struct {
	id   string
	desc config.WorkerDescription
	cfg  config.ChannelConfig

	broker     *eventbus.Broker
	sub        *eventbus.Subscription
	supervisor process.Supervisor
	sharedMem  *sharedmem.Manager
	metrics    *metrics.Metrics

	registry *invocation.Registry
	loadMgr  *functionload.Manager

	liveLogsSessionID string

	mu      sync.Mutex
	state   State
	sender  Sender
	proc    process.Handle
	caps    *capability.Set

	startStreamCh   chan struct{}
	startStreamOnce sync.Once
	initResultCh    chan initResult

	envReloadResultCh chan error

	pendingProbe chan struct{}
	latencyMu    sync.Mutex
	latencies    []time.Duration

	dispatchTimes sync.Map // invocation id -> time.Time

	pumpDone  chan struct{}
	closeOnce sync.Once
}

// New creates a Channel for workerID and subscribes it to broker. The
// channel does not start a worker process until Start is called.
func New(workerID string, desc config.WorkerDescription, cfg config.ChannelConfig, broker *eventbus.Broker, supervisor process.Supervisor, sharedMem *sharedmem.Manager, m *metrics.Metrics) (*Channel, error) {
	sub, err := broker.Subscribe(workerID)
	if err != nil {
		return nil, fmt.Errorf("channel: subscribe worker %s: %w", workerID, err)
	}

	c := &Channel{
		id:                workerID,
		desc:              desc,
		cfg:               cfg,
		broker:            broker,
		sub:               sub,
		supervisor:        supervisor,
		sharedMem:         sharedMem,
		metrics:           m,
		registry:          invocation.NewRegistry(),
		loadMgr:           functionload.New(cfg.MaxPendingInvocationsPerFunction),
		caps:              capability.New(),
		state:             StateCreated,
		liveLogsSessionID: uuid.NewString(),
		startStreamCh:     make(chan struct{}),
		initResultCh:      make(chan initResult, 1),
		envReloadResultCh: make(chan error, 1),
		pumpDone:          make(chan struct{}),
	}
	go c.pump()
	return c, nil
}

// WorkerID returns the worker ID this channel was created for.
func (c *Channel) WorkerID() string { return c.id }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the worker's negotiated capability set. Before
// Initialized completes this is an empty, unfrozen set.
func (c *Channel) Capabilities() *capability.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// SetSender attaches the transport used to deliver outbound envelopes.
// Must be called before the channel sends its first message (the
// WorkerInitRequest Start sends once StartStream arrives); the caller owns
// wiring the worker's accepted stream (or a loopback fake worker) to a
// Link and handing it here.
func (c *Channel) SetSender(s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
}

// transition moves the channel to next if the table in state.go allows
// it from the current state, and returns ErrInvalidState otherwise. It
// records no metric; callers record the state metric themselves.
func (c *Channel) transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(next)
}

func (c *Channel) transitionLocked(next State) error {
	if !canTransition(c.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.state, next)
	}
	c.state = next
	return nil
}

// fail moves the channel to Failed exactly once, fails every in-flight
// invocation, and records the failure metric. Safe to call from any
// goroutine and any state, including concurrently with itself.
func (c *Channel) fail(reason string, cause error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()

	logging.Op().Warn("channel failed", "worker_id", c.id, "reason", reason, "error", cause)
	c.metrics.RecordChannelFailed(c.id, c.desc.Language, reason)
	c.registry.TryFailExecutions(fmt.Errorf("%w: %s: %v", ErrWorkerProcessFailure, reason, cause))
}

// send encodes payload under kind and hands it to the attached Sender.
func (c *Channel) send(kind rpcproto.Kind, payload any) error {
	msg, err := rpcproto.Encode(c.id, kind, payload)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", kind, err)
	}

	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("%w: no sender attached for worker %s", ErrProtocolViolation, c.id)
	}

	if err := sender.Send(msg); err != nil {
		return fmt.Errorf("channel: send %s to %s: %w", kind, c.id, err)
	}
	return nil
}

// pump is the channel's sole consumer of inbound worker messages. Every
// handler it calls runs on this one goroutine, which is what makes the
// rest of the package's state mutation safe without a bigger lock.
func (c *Channel) pump() {
	defer close(c.pumpDone)
	for raw := range c.sub.Messages() {
		msg, ok := raw.(*rpcproto.StreamingMessage)
		if !ok {
			logging.Op().Warn("channel: dropped non-envelope message", "worker_id", c.id)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Channel) dispatch(msg *rpcproto.StreamingMessage) {
	switch msg.Kind {
	case rpcproto.KindStartStream:
		c.handleStartStream(msg)
	case rpcproto.KindWorkerInitResponse:
		c.handleWorkerInitResponse(msg)
	case rpcproto.KindFunctionLoadResponse:
		c.handleFunctionLoadResponse(msg)
	case rpcproto.KindFunctionLoadResponseCollection:
		c.handleFunctionLoadResponseCollection(msg)
	case rpcproto.KindInvocationResponse:
		c.handleInvocationResponse(msg)
	case rpcproto.KindFunctionEnvironmentReloadResponse:
		c.handleEnvReloadResponse(msg)
	case rpcproto.KindRpcLog:
		c.handleRpcLog(msg)
	case rpcproto.KindWorkerStatusResponse:
		c.handleWorkerStatusResponse(msg)
	default:
		logging.Op().Warn("channel: unhandled message kind", "worker_id", c.id, "kind", msg.Kind)
	}
}

// Dispose releases the channel's subscription and kills its process if
// one is still running, without going through the Terminate protocol.
// Intended for the abrupt-shutdown path (Dispatcher exiting); Terminate
// is the graceful path.
func (c *Channel) Dispose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		proc := c.proc
		c.mu.Unlock()
		if proc != nil {
			proc.Kill()
		}
		c.cancelPendingPromises()
		c.sub.Close()
	})
}

// cancelPendingPromises resolves any Start/Init or env-reload call
// currently blocked waiting on the worker with Cancelled, so Dispose or
// Terminate unblocks the caller immediately instead of leaving it to
// wait out its own timeout for a response that will never arrive.
func (c *Channel) cancelPendingPromises() {
	cancelErr := fmt.Errorf("%w: channel disposed or terminated", ErrCancelled)
	select {
	case c.initResultCh <- initResult{err: cancelErr}:
	default:
	}
	select {
	case c.envReloadResultCh <- cancelErr:
	default:
	}
}

// hostCapabilities is what the host advertises in WorkerInitRequest.
func (c *Channel) hostCapabilities() map[string]string {
	caps := map[string]string{}
	if c.cfg.SharedMemoryDataTransferEnabled {
		caps[capability.SharedMemoryDataTransfer] = "1"
	}
	return caps
}
