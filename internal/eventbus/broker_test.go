package eventbus

import (
	"testing"
	"time"
)

func TestBroker_PublishSubscribe(t *testing.T) {
	b := New(Config{})

	sub, err := b.Subscribe("worker-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := b.Publish("worker-1", "hello"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg != "hello" {
			t.Fatalf("expected %q, got %v", "hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("expected message on subscription")
	}
}

func TestBroker_PublishWithoutSubscriber(t *testing.T) {
	b := New(Config{})

	if err := b.Publish("worker-1", "hello"); err == nil {
		t.Fatal("expected error publishing to unsubscribed worker")
	}
}

func TestBroker_DuplicateSubscribeRejected(t *testing.T) {
	b := New(Config{})

	sub, err := b.Subscribe("worker-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if _, err := b.Subscribe("worker-1"); err == nil {
		t.Fatal("expected error on duplicate subscribe")
	}
}

func TestBroker_ResubscribeAfterClose(t *testing.T) {
	b := New(Config{})

	sub, err := b.Subscribe("worker-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Close()

	if _, err := b.Subscribe("worker-1"); err != nil {
		t.Fatalf("expected resubscribe to succeed after close, got %v", err)
	}
}

func TestBroker_PublishDoesNotBlockWhenInboxFull(t *testing.T) {
	b := New(Config{InboxSize: 1})

	sub, err := b.Subscribe("worker-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := b.Publish("worker-1", 1); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Publish("worker-1", 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full inbox")
	}
}

func TestBroker_CloseUnblocksSubscribers(t *testing.T) {
	b := New(Config{})

	sub, err := b.Subscribe("worker-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Close()

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Fatal("expected closed channel to yield zero value with ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscription channel to be closed")
	}

	if _, err := b.Subscribe("worker-2"); err != ErrClosed {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}
