package transport

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/oriys/workerrelay/internal/eventbus"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// TestServerClientLoopback dials a real Server over a real TCP loopback
// connection and exercises both directions: a client-sent envelope lands
// on the broker subscription the server-side Link publishes to, and a
// server-sent envelope (via that same Link) arrives back on the client
// stream.
func TestServerClientLoopback(t *testing.T) {
	broker := eventbus.New(eventbus.Config{})
	sub, err := broker.Subscribe("worker-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	linkCh := make(chan *Link, 1)
	srv := NewServer(func(stream grpc.ServerStream) error {
		link := NewLink("worker-1", stream, broker)
		linkCh <- link
		<-link.Done()
		return nil
	})
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, closeConn, err := Dial(ctx, srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer closeConn()

	startMsg, err := rpcproto.Encode("worker-1", rpcproto.KindStartStream, rpcproto.StartStreamPayload{WorkerID: "worker-1"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := stream.SendMsg(startMsg); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	select {
	case raw := <-sub.Messages():
		got, ok := raw.(*rpcproto.StreamingMessage)
		if !ok || got.Kind != rpcproto.KindStartStream {
			t.Fatalf("got %#v, want a StartStream envelope", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not relay the client's message to the broker")
	}

	var link *Link
	select {
	case link = <-linkCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server handler never produced a Link")
	}

	initMsg, err := rpcproto.Encode("worker-1", rpcproto.KindWorkerInitRequest, rpcproto.WorkerInitRequestPayload{HostVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := link.Send(initMsg); err != nil {
		t.Fatalf("link.Send: %v", err)
	}

	got := &rpcproto.StreamingMessage{}
	recvDone := make(chan error, 1)
	go func() { recvDone <- stream.RecvMsg(got) }()
	select {
	case err := <-recvDone:
		if err != nil {
			t.Fatalf("RecvMsg: %v", err)
		}
		if got.Kind != rpcproto.KindWorkerInitRequest {
			t.Fatalf("got kind %s, want WorkerInitRequest", got.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the server's message")
	}
}
