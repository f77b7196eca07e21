// Package rpcproto defines the discriminated message envelope carried
// over the bidirectional stream between the host and a worker process,
// and the payload types for every message kind the channel consumes or
// produces. The wire schema itself is assumed pre-generated elsewhere;
// this package gives it a concrete Go shape for a JSON-codec transport.
package rpcproto

import "encoding/json"

// Kind discriminates a StreamingMessage's payload.
type Kind string

const (
	KindStartStream                       Kind = "StartStream"
	KindWorkerInitRequest                 Kind = "WorkerInitRequest"
	KindWorkerInitResponse                Kind = "WorkerInitResponse"
	KindFunctionLoadRequest               Kind = "FunctionLoadRequest"
	KindFunctionLoadRequestCollection     Kind = "FunctionLoadRequestCollection"
	KindFunctionLoadResponse              Kind = "FunctionLoadResponse"
	KindFunctionLoadResponseCollection    Kind = "FunctionLoadResponseCollection"
	KindInvocationRequest                 Kind = "InvocationRequest"
	KindInvocationResponse                Kind = "InvocationResponse"
	KindInvocationCancel                  Kind = "InvocationCancel"
	KindFunctionEnvironmentReloadRequest  Kind = "FunctionEnvironmentReloadRequest"
	KindFunctionEnvironmentReloadResponse Kind = "FunctionEnvironmentReloadResponse"
	KindWorkerTerminate                   Kind = "WorkerTerminate"
	KindRpcLog                            Kind = "RpcLog"
	KindWorkerMetadataResponse            Kind = "WorkerMetadataResponse"
	KindWorkerStatusRequest               Kind = "WorkerStatusRequest"
	KindWorkerStatusResponse              Kind = "WorkerStatusResponse"
)

// StreamingMessage is the envelope every message travels in. WorkerID lets
// the Event Bus filter delivery without unmarshaling the payload.
type StreamingMessage struct {
	WorkerID string          `json:"workerId"`
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode marshals payload and wraps it in an envelope.
func Encode(workerID string, kind Kind, payload any) (*StreamingMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &StreamingMessage{WorkerID: workerID, Kind: kind, Payload: raw}, nil
}

// Decode unmarshals the envelope's payload into v.
func (m *StreamingMessage) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// StatusCode is the outcome a worker reports for an init, load, invoke,
// or reload attempt.
type StatusCode string

const (
	StatusSuccess StatusCode = "Success"
	StatusFailure StatusCode = "Failure"
	StatusCancelled StatusCode = "Cancelled"
)

// StatusResult carries a worker's outcome and, on failure, diagnostic text.
type StatusResult struct {
	Status    StatusCode `json:"status"`
	Exception string     `json:"exception,omitempty"`
}

// LogLevel mirrors the worker protocol's log severities. Trace is promoted
// to Information by the channel's log-forwarding path; it is still encoded
// here for completeness of the wire type.
type LogLevel int

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInformation
	LogWarning
	LogError
	LogCritical
)

// LogCategory discriminates which sink an RpcLog line belongs to.
type LogCategory string

const (
	LogCategoryUser   LogCategory = "User"
	LogCategorySystem LogCategory = "System"
)

// StartStreamPayload is the worker's handshake, naming the worker it
// speaks for.
type StartStreamPayload struct {
	WorkerID string `json:"workerId"`
}

// WorkerInitRequestPayload is sent by the host once StartStream arrives.
type WorkerInitRequestPayload struct {
	HostVersion           string            `json:"hostVersion"`
	WorkerDirectory        string            `json:"workerDirectory"`
	FunctionAppDirectory   string            `json:"functionAppDirectory"`
	ProtocolVersion        string            `json:"protocolVersion"`
	HostCapabilities       map[string]string `json:"hostCapabilities"`
	V2CompatibilityEnabled bool              `json:"v2CompatibilityEnabled,omitempty"`
}

// WorkerInitResponsePayload is the worker's reply, carrying the
// capabilities the channel freezes on success.
type WorkerInitResponsePayload struct {
	Capabilities map[string]string `json:"capabilities"`
	Result       StatusResult      `json:"result"`
}

// FunctionMetadata describes one function the host wants a worker to load.
type FunctionMetadata struct {
	FunctionID string   `json:"functionId"`
	Name       string   `json:"name"`
	Language   string   `json:"language"`
	Disabled   bool     `json:"disabled"`
	Triggers   []string `json:"triggers,omitempty"`
	Bindings   []string `json:"bindings,omitempty"`
}

// FunctionLoadRequestPayload requests a single function load.
type FunctionLoadRequestPayload struct {
	FunctionID string           `json:"functionId"`
	Metadata   FunctionMetadata `json:"metadata"`
}

// FunctionLoadRequestCollectionPayload batches many load requests into one
// message, used when the worker advertises SupportsLoadResponseCollection.
type FunctionLoadRequestCollectionPayload struct {
	Requests []FunctionLoadRequestPayload `json:"requests"`
}

// FunctionLoadResponsePayload reports one function's load outcome.
type FunctionLoadResponsePayload struct {
	FunctionID string       `json:"functionId"`
	Result     StatusResult `json:"result"`
}

// FunctionLoadResponseCollectionPayload batches many load responses.
type FunctionLoadResponseCollectionPayload struct {
	Responses []FunctionLoadResponsePayload `json:"responses"`
}

// TraceContext carries correlation attributes through an invocation.
// ProcessID, HostInstanceID, CategoryName, and LiveLogsSessionID are only
// populated when the host's telemetry agent is enabled; see
// internal/observability.
type TraceContext struct {
	TraceParent       string `json:"traceParent,omitempty"`
	TraceState        string `json:"traceState,omitempty"`
	ProcessID         string `json:"processId,omitempty"`
	HostInstanceID    string `json:"hostInstanceId,omitempty"`
	CategoryName      string `json:"categoryName,omitempty"`
	LiveLogsSessionID string `json:"liveLogsSessionId,omitempty"`
}

// RpcSharedMemory is an out-of-band reference to a region the Shared-Memory
// Manager holds, used instead of an inline Value when shared-memory
// transfer is negotiated and the payload is large enough to justify it.
type RpcSharedMemory struct {
	Name   string `json:"name"`
	Offset int64  `json:"offset"`
	Count  int64  `json:"count"`
	Type   string `json:"type"`
}

// Type tags a ParameterBinding's declared data type. Only TypeBytes and
// TypeString are transferable through shared memory; every other type
// (json, http, model-bound, ...) always travels inline.
const (
	TypeBytes  = "bytes"
	TypeString = "string"
)

// ParameterBinding is one named input or output value. Exactly one of
// Value or SharedMemory is set.
type ParameterBinding struct {
	Name         string           `json:"name"`
	Type         string           `json:"type"`
	Value        json.RawMessage  `json:"value,omitempty"`
	SharedMemory *RpcSharedMemory `json:"sharedMemory,omitempty"`
}

// InvocationRequestPayload dispatches one function execution.
type InvocationRequestPayload struct {
	InvocationID string             `json:"invocationId"`
	FunctionID   string             `json:"functionId"`
	Inputs       []ParameterBinding `json:"inputs"`
	TraceContext TraceContext       `json:"traceContext"`
}

// InvocationResponsePayload reports the outcome of one invocation.
type InvocationResponsePayload struct {
	InvocationID string             `json:"invocationId"`
	Outputs      []ParameterBinding `json:"outputs,omitempty"`
	ReturnValue  json.RawMessage    `json:"returnValue,omitempty"`
	Result       StatusResult       `json:"result"`
}

// InvocationCancelPayload requests cancellation of an in-flight invocation.
// Only sent when the worker advertised HandlesInvocationCancel.
type InvocationCancelPayload struct {
	InvocationID string `json:"invocationId"`
}

// FunctionEnvironmentReloadRequestPayload carries a sanitized environment
// snapshot. The channel never reads ambient process env directly; callers
// pass the snapshot explicitly.
type FunctionEnvironmentReloadRequestPayload struct {
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	FunctionAppDirectory string            `json:"functionAppDirectory"`
}

// FunctionEnvironmentReloadResponsePayload reports the reload's outcome.
type FunctionEnvironmentReloadResponsePayload struct {
	Result StatusResult `json:"result"`
}

// WorkerTerminatePayload asks the worker to exit gracefully within the
// given grace period. Only sent when HandlesWorkerTerminate is present.
type WorkerTerminatePayload struct {
	GracePeriodSeconds float64 `json:"gracePeriodSeconds"`
}

// RpcLogPayload is one user- or system-log line forwarded from the worker.
type RpcLogPayload struct {
	InvocationID string      `json:"invocationId,omitempty"`
	Message      string      `json:"message"`
	Level        LogLevel    `json:"level"`
	LogCategory  LogCategory `json:"logCategory"`
}

// WorkerStatusRequestPayload is a lightweight round-trip probe used by the
// dynamic-concurrency latency history when FunctionsWorkerDynamicConcurrencyEnabled
// is set.
type WorkerStatusRequestPayload struct{}

// WorkerStatusResponsePayload is the worker's reply to a status probe.
type WorkerStatusResponsePayload struct {
	Result StatusResult `json:"result"`
}
