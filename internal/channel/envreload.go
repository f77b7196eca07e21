package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/workerrelay/internal/rpcproto"
)

// SendEnvironmentReloadRequest pushes a sanitized environment snapshot to
// the worker and blocks until it acknowledges. Only valid once Ready: a
// worker mid-startup or mid-load has nowhere coherent to apply a reload.
func (c *Channel) SendEnvironmentReloadRequest(ctx context.Context, env map[string]string, functionAppDir string) error {
	if state := c.State(); state != StateReady {
		return fmt.Errorf("%w: environment reload requires Ready, channel is %s", ErrInvalidState, state)
	}

	started := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.EnvReloadTimeout)
	defer cancel()

	req := rpcproto.FunctionEnvironmentReloadRequestPayload{
		EnvironmentVariables: sanitizeEnvironment(env, c.desc.WorkerDir, functionAppDir),
		FunctionAppDirectory: functionAppDir,
	}
	if err := c.send(rpcproto.KindFunctionEnvironmentReloadRequest, req); err != nil {
		c.metrics.RecordPhase("env_reload", c.id, time.Since(started).Milliseconds(), false)
		return err
	}

	select {
	case res := <-c.envReloadResultCh:
		c.metrics.RecordPhase("env_reload", c.id, time.Since(started).Milliseconds(), res == nil)
		return res
	case <-time.After(c.cfg.EnvReloadTimeout):
		c.metrics.RecordPhase("env_reload", c.id, time.Since(started).Milliseconds(), false)
		return fmt.Errorf("%w: no FunctionEnvironmentReloadResponse within %s", ErrTimeout, c.cfg.EnvReloadTimeout)
	case <-reqCtx.Done():
		return reqCtx.Err()
	}
}

func (c *Channel) handleEnvReloadResponse(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.FunctionEnvironmentReloadResponsePayload
	if err := msg.Decode(&payload); err != nil {
		c.deliverEnvReloadResult(fmt.Errorf("%w: malformed FunctionEnvironmentReloadResponse: %v", ErrProtocolViolation, err))
		return
	}
	if payload.Result.Status != rpcproto.StatusSuccess {
		c.deliverEnvReloadResult(fmt.Errorf("channel: environment reload failed: %s", payload.Result.Exception))
		return
	}
	c.deliverEnvReloadResult(nil)
}

func (c *Channel) deliverEnvReloadResult(err error) {
	select {
	case c.envReloadResultCh <- err:
	default:
	}
}

// envKeyWorkerDirectory is always present in a reloaded environment, even
// if the caller's snapshot didn't carry it, so a worker that only reads
// its own environment on startup can still locate itself after a reload.
const envKeyWorkerDirectory = "WorkerDirectory"

// envKeyFunctionAppDirectory mirrors FunctionEnvironmentReloadRequestPayload's
// own FunctionAppDirectory field into the environment map, since some
// workers read it from the environment rather than the request payload.
const envKeyFunctionAppDirectory = "FunctionAppDirectory"

// sanitizeEnvironment drops entries with no value worth reloading, then
// injects the worker and function-app directories so they're always
// present regardless of what the caller's snapshot contained.
func sanitizeEnvironment(env map[string]string, workerDir, functionAppDir string) map[string]string {
	out := make(map[string]string, len(env)+2)
	for k, v := range env {
		if v == "" {
			continue
		}
		out[k] = v
	}
	out[envKeyWorkerDirectory] = workerDir
	out[envKeyFunctionAppDirectory] = functionAppDir
	return out
}
