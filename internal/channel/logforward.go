package channel

import (
	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// handleRpcLog forwards one worker log line to the operational logger.
// Trace is promoted to Information: the worker protocol's Trace level is
// noisier than this host cares to distinguish from routine info output.
func (c *Channel) handleRpcLog(msg *rpcproto.StreamingMessage) {
	var payload rpcproto.RpcLogPayload
	if err := msg.Decode(&payload); err != nil {
		logging.Op().Warn("channel: malformed RpcLog", "worker_id", c.id, "error", err)
		return
	}

	level := payload.Level
	if level == rpcproto.LogTrace {
		level = rpcproto.LogInformation
	}

	logger := logging.Op().With("worker_id", c.id, "category", payload.LogCategory)
	if payload.InvocationID != "" {
		logger = logger.With("invocation_id", payload.InvocationID)
	}

	switch level {
	case rpcproto.LogDebug:
		logger.Debug(payload.Message)
	case rpcproto.LogInformation:
		logger.Info(payload.Message)
	case rpcproto.LogWarning:
		logger.Warn(payload.Message)
	case rpcproto.LogError, rpcproto.LogCritical:
		logger.Error(payload.Message)
	default:
		logger.Info(payload.Message)
	}
}
