// Package fakeworker simulates a worker process's half of the protocol
// entirely in-process, over the same event bus a real transport.Link
// would use, so channel package tests can drive the full state machine
// against real code on both sides of the wire instead of mocking the
// channel's collaborators directly.
package fakeworker

import (
	"context"
	"sync"

	"github.com/oriys/workerrelay/internal/eventbus"
	"github.com/oriys/workerrelay/internal/process"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// FakeWorker answers a channel's outbound envelopes by publishing
// replies back through the broker under the same worker ID a real
// transport.Link would use. It implements channel.Sender by structural
// typing — the channel package never needs to import this one.
type FakeWorker struct {
	WorkerID string
	Broker   *eventbus.Broker

	// Capabilities is advertised verbatim in WorkerInitResponse.
	Capabilities map[string]string

	// InitFails makes WorkerInitResponse report failure instead of success.
	InitFails bool

	// LoadFailures names functions whose FunctionLoadResponse reports
	// failure instead of success.
	LoadFailures map[string]bool

	// InvocationHandler computes one invocation's response. A nil handler
	// echoes a trivial success with no outputs.
	InvocationHandler func(req rpcproto.InvocationRequestPayload) rpcproto.InvocationResponsePayload

	// LoadGate, when non-nil, is read from before any FunctionLoadResponse
	// is published, letting a test hold a function Pending to exercise
	// the load manager's pre-load invocation buffer.
	LoadGate <-chan struct{}

	// InitGate, when non-nil, is read from before any WorkerInitResponse
	// is published, letting a test hold the channel in Initializing to
	// exercise Dispose/Terminate cancelling an in-flight Start.
	InitGate <-chan struct{}

	mu            sync.Mutex
	cancelled     map[string]bool
	lastEnvReload rpcproto.FunctionEnvironmentReloadRequestPayload
}

// Send implements channel.Sender: every inbound envelope is handled on
// its own goroutine, mirroring how a real worker process would reply
// asynchronously rather than within the call that wrote to its stream.
func (w *FakeWorker) Send(msg *rpcproto.StreamingMessage) error {
	go w.handle(msg)
	return nil
}

func (w *FakeWorker) handle(msg *rpcproto.StreamingMessage) {
	switch msg.Kind {
	case rpcproto.KindWorkerInitRequest:
		w.replyInit()
	case rpcproto.KindFunctionLoadRequest:
		var req rpcproto.FunctionLoadRequestPayload
		if err := msg.Decode(&req); err == nil {
			w.replyLoad(req.FunctionID)
		}
	case rpcproto.KindFunctionLoadRequestCollection:
		var req rpcproto.FunctionLoadRequestCollectionPayload
		if err := msg.Decode(&req); err == nil {
			w.replyLoadCollection(req.Requests)
		}
	case rpcproto.KindInvocationRequest:
		var req rpcproto.InvocationRequestPayload
		if err := msg.Decode(&req); err == nil {
			w.replyInvocation(req)
		}
	case rpcproto.KindInvocationCancel:
		var req rpcproto.InvocationCancelPayload
		if err := msg.Decode(&req); err == nil {
			w.markCancelled(req.InvocationID)
		}
	case rpcproto.KindFunctionEnvironmentReloadRequest:
		var req rpcproto.FunctionEnvironmentReloadRequestPayload
		if err := msg.Decode(&req); err == nil {
			w.replyEnvReload(req)
		}
	case rpcproto.KindWorkerStatusRequest:
		w.replyStatus()
	case rpcproto.KindWorkerTerminate:
		// No reply in the wire protocol; the host observes termination
		// through the process exiting, which Supervisor's Kill drives.
	}
}

func (w *FakeWorker) publish(kind rpcproto.Kind, payload any) {
	msg, err := rpcproto.Encode(w.WorkerID, kind, payload)
	if err != nil {
		return
	}
	w.Broker.Publish(w.WorkerID, msg)
}

// Announce publishes the StartStream handshake, as if the worker
// process had just connected its stream.
func (w *FakeWorker) Announce() {
	w.publish(rpcproto.KindStartStream, rpcproto.StartStreamPayload{WorkerID: w.WorkerID})
}

func (w *FakeWorker) replyInit() {
	if w.InitGate != nil {
		<-w.InitGate
	}
	result := rpcproto.StatusResult{Status: rpcproto.StatusSuccess}
	if w.InitFails {
		result = rpcproto.StatusResult{Status: rpcproto.StatusFailure, Exception: "fake worker init failure"}
	}
	w.publish(rpcproto.KindWorkerInitResponse, rpcproto.WorkerInitResponsePayload{
		Capabilities: w.Capabilities,
		Result:       result,
	})
}

func (w *FakeWorker) loadResult(functionID string) rpcproto.StatusResult {
	if w.LoadFailures[functionID] {
		return rpcproto.StatusResult{Status: rpcproto.StatusFailure, Exception: "fake worker load failure"}
	}
	return rpcproto.StatusResult{Status: rpcproto.StatusSuccess}
}

func (w *FakeWorker) replyLoad(functionID string) {
	if w.LoadGate != nil {
		<-w.LoadGate
	}
	w.publish(rpcproto.KindFunctionLoadResponse, rpcproto.FunctionLoadResponsePayload{
		FunctionID: functionID,
		Result:     w.loadResult(functionID),
	})
}

func (w *FakeWorker) replyLoadCollection(reqs []rpcproto.FunctionLoadRequestPayload) {
	if w.LoadGate != nil {
		<-w.LoadGate
	}
	responses := make([]rpcproto.FunctionLoadResponsePayload, 0, len(reqs))
	for _, r := range reqs {
		responses = append(responses, rpcproto.FunctionLoadResponsePayload{
			FunctionID: r.FunctionID,
			Result:     w.loadResult(r.FunctionID),
		})
	}
	w.publish(rpcproto.KindFunctionLoadResponseCollection, rpcproto.FunctionLoadResponseCollectionPayload{Responses: responses})
}

func (w *FakeWorker) replyInvocation(req rpcproto.InvocationRequestPayload) {
	var resp rpcproto.InvocationResponsePayload
	if w.InvocationHandler != nil {
		resp = w.InvocationHandler(req)
	} else {
		resp = rpcproto.InvocationResponsePayload{Result: rpcproto.StatusResult{Status: rpcproto.StatusSuccess}}
	}

	// Cancellation is checked after the handler returns, mirroring a real
	// worker that only notices a cancellation token once it finishes
	// whatever it was doing.
	w.mu.Lock()
	cancelled := w.cancelled[req.InvocationID]
	w.mu.Unlock()
	if cancelled {
		resp.Result = rpcproto.StatusResult{Status: rpcproto.StatusCancelled}
	}

	resp.InvocationID = req.InvocationID
	w.publish(rpcproto.KindInvocationResponse, resp)
}

func (w *FakeWorker) markCancelled(invocationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled == nil {
		w.cancelled = make(map[string]bool)
	}
	w.cancelled[invocationID] = true
}

func (w *FakeWorker) replyEnvReload(req rpcproto.FunctionEnvironmentReloadRequestPayload) {
	w.mu.Lock()
	w.lastEnvReload = req
	w.mu.Unlock()
	w.publish(rpcproto.KindFunctionEnvironmentReloadResponse, rpcproto.FunctionEnvironmentReloadResponsePayload{
		Result: rpcproto.StatusResult{Status: rpcproto.StatusSuccess},
	})
}

// LastEnvReload returns the most recent environment reload request the
// fake worker received, for asserting on what the channel sanitized out.
func (w *FakeWorker) LastEnvReload() rpcproto.FunctionEnvironmentReloadRequestPayload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEnvReload
}

func (w *FakeWorker) replyStatus() {
	w.publish(rpcproto.KindWorkerStatusResponse, rpcproto.WorkerStatusResponsePayload{
		Result: rpcproto.StatusResult{Status: rpcproto.StatusSuccess},
	})
}

// Supervisor is a process.Supervisor that never execs anything: Start
// returns a handle that stays alive until Kill is called, standing in
// for the worker process a FakeWorker simulates. Crash exposes that
// handle to a test so it can simulate the worker process exiting on its
// own, independent of the channel's own Terminate/kill path.
type Supervisor struct {
	mu   sync.Mutex
	last *handle
}

func (s *Supervisor) Start(ctx context.Context, desc process.Description) (process.Handle, error) {
	h := &handle{done: make(chan struct{})}
	s.mu.Lock()
	s.last = h
	s.mu.Unlock()
	return h, nil
}

// Crash kills the most recently started handle, as if the worker process
// had exited unexpectedly.
func (s *Supervisor) Crash() {
	s.mu.Lock()
	h := s.last
	s.mu.Unlock()
	if h != nil {
		h.Kill()
	}
}

type handle struct {
	mu     sync.Mutex
	done   chan struct{}
	killed bool
}

func (h *handle) PID() int { return -1 }

func (h *handle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.killed {
		h.killed = true
		close(h.done)
	}
	return nil
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) ExitErr() error { return nil }
