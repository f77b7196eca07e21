package channel

import (
	"context"
	"time"

	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// LoadFunctions registers metadatas with the Function Load Manager and
// dispatches load requests. The channel moves to Ready once requests have
// been sent, not once every response has arrived: individual functions
// become invokable as their own FunctionLoadResponse lands, tracked by
// the load manager's per-function buffering rather than by this
// transition.
func (c *Channel) LoadFunctions(ctx context.Context, metadatas []rpcproto.FunctionMetadata) error {
	if err := c.transition(StateLoadingFunctions); err != nil {
		return err
	}

	c.loadMgr.SetupFunctionInvocationBuffers(metadatas)

	started := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.FunctionLoadTimeout)
	defer cancel()

	send := func(ctx context.Context, kind rpcproto.Kind, payload any) error {
		return c.send(kind, payload)
	}

	caps := c.Capabilities()
	if err := c.loadMgr.DispatchLoadRequests(loadCtx, caps, send); err != nil {
		c.metrics.RecordPhase("function_load", c.id, time.Since(started).Milliseconds(), false)
		c.fail("function_load", err)
		return err
	}
	c.metrics.RecordPhase("function_load", c.id, time.Since(started).Milliseconds(), true)

	if err := c.transition(StateReady); err != nil {
		return err
	}
	c.metrics.RecordChannelReady(c.id, c.desc.Language)
	return nil
}

func (c *Channel) handleFunctionLoadResponse(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.FunctionLoadResponsePayload
	if err := msg.Decode(&payload); err != nil {
		logging.Op().Warn("channel: malformed FunctionLoadResponse", "worker_id", c.id, "error", err)
		return
	}

	ok := payload.Result.Status == rpcproto.StatusSuccess
	c.metrics.RecordFunctionLoad(c.id, payload.FunctionID, ok)
	if err := c.loadMgr.HandleLoadResponse(payload.FunctionID, payload.Result); err != nil {
		logging.Op().Warn("channel: load response for unregistered function", "worker_id", c.id, "function_id", payload.FunctionID, "error", err)
	}
}

func (c *Channel) handleFunctionLoadResponseCollection(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.FunctionLoadResponseCollectionPayload
	if err := msg.Decode(&payload); err != nil {
		logging.Op().Warn("channel: malformed FunctionLoadResponseCollection", "worker_id", c.id, "error", err)
		return
	}

	for _, r := range payload.Responses {
		c.metrics.RecordFunctionLoad(c.id, r.FunctionID, r.Result.Status == rpcproto.StatusSuccess)
	}
	if err := c.loadMgr.HandleLoadResponseCollection(payload.Responses); err != nil {
		logging.Op().Warn("channel: load response collection error", "worker_id", c.id, "error", err)
	}
}
