package transport

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/oriys/workerrelay/internal/logging"
)

const (
	serviceName = "workerrelay.WorkerChannel"
	streamName  = "Events"
)

// StreamHandler processes one worker's bidirectional stream for as long as
// the worker stays connected. It is invoked once per incoming connection.
type StreamHandler func(stream grpc.ServerStream) error

// serviceDesc describes a single bidi-streaming method by hand, in place
// of a protoc-generated descriptor. HandlerType is the empty interface so
// that any concrete StreamHandler value satisfies grpc's registration
// check; the Streams entry's Handler closure does the real type
// assertion back to StreamHandler.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName: streamName,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(StreamHandler)(stream)
			},
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/transport",
}

// Server accepts worker connections and dispatches each to a StreamHandler.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer constructs a Server that dispatches every connected worker's
// stream to handler.
func NewServer(handler StreamHandler) *Server {
	s := grpc.NewServer()
	s.RegisterService(&serviceDesc, handler)
	return &Server{grpcServer: s}
}

// Start begins listening on addr and serving in a background goroutine.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	s.listener = lis

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			logging.Op().Info("transport server stopped serving", "error", err)
		}
	}()

	logging.Op().Info("transport server started", "addr", lis.Addr().String())
	return nil
}

// Addr returns the listener's bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully drains in-flight streams before returning.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
	logging.Op().Info("transport server stopped")
}
