// Package transport hosts the bidirectional gRPC stream between the host
// and a worker process. The wire schema is assumed pre-generated
// elsewhere (see rpcproto), so rather than compile a .proto file this
// package registers a JSON codec with grpc's own codec registry and
// builds the service/stream descriptors by hand — a legitimate use of
// grpc-go's public low-level API, just without protoc in the loop.
package transport

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype grpc negotiates for this stream. The
// client selects it via grpc.CallContentSubtype; the server picks the
// matching codec off the incoming request's content-type automatically.
const codecName = "workerrelay-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
