package channel

import (
	"encoding/json"
	"fmt"

	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/rpcproto"
	"github.com/oriys/workerrelay/internal/sharedmem"
)

// sharedMemoryInlineThreshold is the payload size below which carrying a
// value inline is cheaper than round-tripping through a shared-memory
// region. Below it, prepareInputs leaves the binding untouched even when
// transfer is negotiated.
const sharedMemoryInlineThreshold = 16 * 1024

func (c *Channel) sharedMemoryEnabled() bool {
	return c.sharedMem != nil && sharedmem.TransferEnabled(c.cfg.SharedMemoryDataTransferEnabled, c.Capabilities())
}

// isTransferableType reports whether a declared input type is eligible
// for shared-memory transfer. Every other type (json, http, model-bound
// values, ...) always travels inline regardless of size.
func isTransferableType(t string) bool {
	return t == rpcproto.TypeBytes || t == rpcproto.TypeString
}

// prepareInputs replaces large inline values with shared-memory
// references when transfer is negotiated, falling back to inline on any
// allocation failure rather than dropping the invocation.
func (c *Channel) prepareInputs(invocationID string, inputs []rpcproto.ParameterBinding) []rpcproto.ParameterBinding {
	if !c.sharedMemoryEnabled() {
		return inputs
	}

	out := make([]rpcproto.ParameterBinding, len(inputs))
	for i, in := range inputs {
		if len(in.Value) < sharedMemoryInlineThreshold || !isTransferableType(in.Type) {
			out[i] = in
			continue
		}

		name := fmt.Sprintf("%s/%s", invocationID, in.Name)
		if _, err := c.sharedMem.Acquire(name, in.Value); err != nil {
			logging.Op().Warn("channel: shared memory acquire failed, falling back to inline", "worker_id", c.id, "region", name, "error", err)
			out[i] = in
			continue
		}

		out[i] = rpcproto.ParameterBinding{
			Name:         in.Name,
			Type:         in.Type,
			SharedMemory: &rpcproto.RpcSharedMemory{Name: name, Count: int64(len(in.Value)), Type: in.Type},
		}
	}
	return out
}

// resolveOutputs reads back any output carried by shared-memory
// reference and releases its region, so the caller always sees an inline
// value regardless of how the worker sent it.
func (c *Channel) resolveOutputs(outputs []rpcproto.ParameterBinding) []rpcproto.ParameterBinding {
	if !c.sharedMemoryEnabled() {
		return outputs
	}

	out := make([]rpcproto.ParameterBinding, len(outputs))
	for i, o := range outputs {
		if o.SharedMemory == nil {
			out[i] = o
			continue
		}

		resolved := o
		if region, ok := c.sharedMem.Get(o.SharedMemory.Name); ok {
			resolved.Value = json.RawMessage(append([]byte{}, region.Bytes()...))
			resolved.SharedMemory = nil
			c.sharedMem.Release(o.SharedMemory.Name)
		} else {
			logging.Op().Warn("channel: shared memory region missing for output", "worker_id", c.id, "region", o.SharedMemory.Name)
		}
		out[i] = resolved
	}
	return out
}
