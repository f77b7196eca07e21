package transport

import (
	"fmt"
	"sync"

	"github.com/oriys/workerrelay/internal/eventbus"
	"github.com/oriys/workerrelay/internal/logging"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// grpcStream is the subset of grpc.ServerStream / grpc.ClientStream this
// package needs; both satisfy it, which lets Link work on either side of
// the connection without caring which.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// Link bridges one worker's gRPC stream to the event bus. Inbound frames
// are published under the worker's ID for the channel's message pump to
// consume. Outbound frames are written directly to the stream: there is
// exactly one subscriber (the channel) and exactly one destination (the
// worker), so routing outbound traffic through the broker would add
// nothing but a hop.
//
// Link holds no reference to the channel it serves — it only knows the
// broker and the worker ID — so closing a channel never has to reach back
// into this type to break an ownership cycle.
type Link struct {
	workerID string
	stream   grpcStream
	broker   *eventbus.Broker

	sendMu sync.Mutex
	done   chan struct{}
}

// NewLink starts a read loop over stream, publishing every inbound
// envelope to broker under workerID, and returns immediately.
func NewLink(workerID string, stream grpcStream, broker *eventbus.Broker) *Link {
	l := &Link{
		workerID: workerID,
		stream:   stream,
		broker:   broker,
		done:     make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func (l *Link) readLoop() {
	defer close(l.done)
	for {
		msg := &rpcproto.StreamingMessage{}
		if err := l.stream.RecvMsg(msg); err != nil {
			logging.Op().Info("worker stream closed", "worker_id", l.workerID, "error", err)
			return
		}
		if err := l.broker.Publish(l.workerID, msg); err != nil {
			logging.Op().Warn("dropped inbound message", "worker_id", l.workerID, "kind", msg.Kind, "error", err)
		}
	}
}

// Send writes an outbound envelope to the worker.
func (l *Link) Send(msg *rpcproto.StreamingMessage) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	if err := l.stream.SendMsg(msg); err != nil {
		return fmt.Errorf("transport: send %s to worker %s: %w", msg.Kind, l.workerID, err)
	}
	return nil
}

// Done reports when the read loop has exited, e.g. because the worker
// closed the stream or the connection dropped.
func (l *Link) Done() <-chan struct{} { return l.done }
