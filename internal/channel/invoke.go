package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/invocation"
	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/observability"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// SendInvocation registers and dispatches a function call. Accepted from
// LoadingFunctions as well as Ready, since a function loaded earlier in
// the batch is already invokable while its siblings are still loading.
// Callers get back the Invocation immediately and read its terminal
// result from Wait(); this call never blocks on the worker.
func (c *Channel) SendInvocation(ctx context.Context, functionID string, inputs []rpcproto.ParameterBinding) (*invocation.Invocation, error) {
	state := c.State()
	if state != StateReady && state != StateLoadingFunctions {
		return nil, fmt.Errorf("%w: channel is %s, cannot accept invocations", ErrInvalidState, state)
	}

	id := uuid.NewString()
	inv := invocation.New(id, functionID, ctx)

	if inv.Done() {
		logging.Op().Info("Cancellation has been requested, cancelling invocation request", "worker_id", c.id, "invocation_id", id)
		inv.Signal(invocation.Result{Outcome: invocation.OutcomeCancelled, Err: fmt.Errorf("%w: invocation cancelled before dispatch", ErrCancelled)})
		return inv, nil
	}

	c.registry.Register(inv)

	dispatch := func(inv *invocation.Invocation) {
		c.dispatchInvocation(inv, inputs)
	}
	if err := c.loadMgr.EnqueueInvocation(functionID, inv, dispatch); err != nil {
		c.registry.Remove(id)
		return nil, fmt.Errorf("%w: %v", ErrLoadFailure, err)
	}
	return inv, nil
}

// dispatchInvocation is the load manager's DispatchFunc: it either runs
// immediately (function already loaded) or once the function's load
// response arrives and flushes its buffer.
func (c *Channel) dispatchInvocation(inv *invocation.Invocation, inputs []rpcproto.ParameterBinding) {
	if inv.Done() {
		c.registry.CompleteAndRemove(inv.ID, invocation.Result{Outcome: invocation.OutcomeCancelled, Err: fmt.Errorf("%w: invocation cancelled before dispatch", ErrCancelled)})
		return
	}

	ctx, span := observability.StartSpan(inv.Context(), "channel.dispatch_invocation",
		observability.AttrWorkerID.String(c.id),
		observability.AttrFunctionID.String(inv.FunctionID),
		observability.AttrInvocationID.String(inv.ID),
	)
	defer span.End()

	req := rpcproto.InvocationRequestPayload{
		InvocationID: inv.ID,
		FunctionID:   inv.FunctionID,
		Inputs:       c.prepareInputs(inv.ID, inputs),
		TraceContext: c.buildTraceContext(ctx),
	}

	c.dispatchTimes.Store(inv.ID, time.Now())
	if err := c.send(rpcproto.KindInvocationRequest, req); err != nil {
		observability.SetSpanError(span, err)
		c.completeWithMetrics(inv.ID, inv.FunctionID, invocation.Result{
			Outcome: invocation.OutcomeFailure,
			Err:     fmt.Errorf("%w: %v", ErrInvocationFailure, err),
		})
		return
	}
	observability.SetSpanOK(span)

	logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
		Debug("dispatched invocation", "worker_id", c.id, "function_id", inv.FunctionID, "invocation_id", inv.ID)
}

func (c *Channel) handleInvocationResponse(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.InvocationResponsePayload
	if err := msg.Decode(&payload); err != nil {
		logging.Op().Warn("channel: malformed InvocationResponse", "worker_id", c.id, "error", err)
		return
	}

	inv, ok := c.registry.Get(payload.InvocationID)
	if !ok {
		logging.Op().Warn("channel: response for unknown or already-completed invocation", "worker_id", c.id, "invocation_id", payload.InvocationID)
		return
	}

	outcome := invocation.OutcomeSuccess
	var resErr error
	switch payload.Result.Status {
	case rpcproto.StatusSuccess:
	case rpcproto.StatusCancelled:
		outcome = invocation.OutcomeCancelled
		resErr = fmt.Errorf("%w: invocation cancelled by worker", ErrCancelled)
	default:
		outcome = invocation.OutcomeFailure
		resErr = fmt.Errorf("%w: %s", ErrInvocationFailure, payload.Result.Exception)
	}

	c.completeWithMetrics(payload.InvocationID, inv.FunctionID, invocation.Result{
		Outcome:     outcome,
		Outputs:     c.resolveOutputs(payload.Outputs),
		ReturnValue: payload.ReturnValue,
		Err:         resErr,
	})
}

// completeWithMetrics signals the registry and records the invocation's
// outcome and duration, reading (and clearing) the dispatch timestamp
// dispatchInvocation recorded.
func (c *Channel) completeWithMetrics(invocationID, functionID string, result invocation.Result) {
	c.registry.CompleteAndRemove(invocationID, result)

	var durationMs int64
	if started, ok := c.dispatchTimes.LoadAndDelete(invocationID); ok {
		durationMs = time.Since(started.(time.Time)).Milliseconds()
	}
	c.metrics.RecordInvocation(c.id, functionID, string(result.Outcome), durationMs)
}

// SendInvocationCancel requests cancellation of an in-flight invocation.
// When the worker didn't advertise HandlesInvocationCancel, cancellation
// happens purely on the host side: the invocation completes as
// Cancelled immediately, and if the worker later sends a response for
// the same ID anyway, the registry has already forgotten it and the
// response is a harmless drop.
func (c *Channel) SendInvocationCancel(invocationID string) error {
	inv, ok := c.registry.Get(invocationID)
	if !ok {
		return fmt.Errorf("channel: no such invocation %s", invocationID)
	}

	if !c.Capabilities().Has(capability.HandlesInvocationCancel) {
		c.completeWithMetrics(invocationID, inv.FunctionID, invocation.Result{
			Outcome: invocation.OutcomeCancelled,
			Err:     fmt.Errorf("%w: invocation cancelled locally, worker does not handle cancellation", ErrCancelled),
		})
		return nil
	}

	logging.Op().Info(fmt.Sprintf("Sending invocation cancel request for InvocationId %s", invocationID), "worker_id", c.id)
	if err := c.send(rpcproto.KindInvocationCancel, rpcproto.InvocationCancelPayload{InvocationID: invocationID}); err != nil {
		return fmt.Errorf("channel: send cancel for %s: %w", invocationID, err)
	}
	return nil
}

// IsExecutingInvocation reports whether invocationID is still in flight.
func (c *Channel) IsExecutingInvocation(invocationID string) bool {
	return c.registry.IsExecuting(invocationID)
}

// TryFailExecutions signals every in-flight invocation with err. Used by
// the Dispatcher when a worker-wide failure makes every pending
// invocation unservable, independent of the channel's own state
// transition.
func (c *Channel) TryFailExecutions(err error) {
	c.registry.TryFailExecutions(err)
}
