package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dial opens a connection to addr and opens the single bidirectional
// stream a worker process uses to talk to its channel. The returned
// closer releases the underlying connection; callers should defer it
// after the stream is no longer needed.
func Dial(ctx context.Context, addr string) (grpc.ClientStream, func() error, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	desc := &grpc.StreamDesc{
		StreamName:    streamName,
		ServerStreams: true,
		ClientStreams: true,
	}
	method := fmt.Sprintf("/%s/%s", serviceName, streamName)

	stream, err := conn.NewStream(ctx, desc, method)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}

	return stream, conn.Close, nil
}
