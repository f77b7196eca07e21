package invocation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestInvocation_SignalOnce(t *testing.T) {
	inv := New("inv-1", "fn-1", context.Background())

	inv.Signal(Result{Outcome: OutcomeSuccess})
	inv.Signal(Result{Outcome: OutcomeFailure}) // must be a no-op

	select {
	case r := <-inv.Wait():
		if r.Outcome != OutcomeSuccess {
			t.Fatalf("expected first signal to win, got %v", r.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a result")
	}
}

func TestInvocation_DoneReflectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := New("inv-1", "fn-1", ctx)

	if inv.Done() {
		t.Fatal("expected not done before cancel")
	}
	cancel()
	if !inv.Done() {
		t.Fatal("expected done after cancel")
	}
}

func TestRegistry_RegisterGetRemove(t *testing.T) {
	r := NewRegistry()
	inv := New("inv-1", "fn-1", context.Background())
	r.Register(inv)

	if !r.IsExecuting("inv-1") {
		t.Fatal("expected inv-1 to be executing")
	}
	if _, ok := r.Get("inv-1"); !ok {
		t.Fatal("expected Get to find inv-1")
	}

	r.Remove("inv-1")
	if r.IsExecuting("inv-1") {
		t.Fatal("expected inv-1 to be gone after Remove")
	}
}

func TestRegistry_TryFailExecutionsIsIdempotent(t *testing.T) {
	r := NewRegistry()
	inv := New("inv-1", "fn-1", context.Background())
	r.Register(inv)

	failErr := errors.New("boom")
	r.TryFailExecutions(failErr)
	r.TryFailExecutions(failErr) // second call must be a no-op

	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d entries", r.Len())
	}

	select {
	case result := <-inv.Wait():
		if result.Outcome != OutcomeCancelled || !errors.Is(result.Err, failErr) {
			t.Fatalf("unexpected result: %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("expected invocation to be signalled")
	}
}

func TestRegistry_CompleteAndRemoveUnknownID(t *testing.T) {
	r := NewRegistry()
	if err := r.CompleteAndRemove("missing", Result{Outcome: OutcomeSuccess}); err == nil {
		t.Fatal("expected error completing an unregistered invocation")
	}
}

func TestRegistry_Len(t *testing.T) {
	r := NewRegistry()
	r.Register(New("inv-1", "fn-1", context.Background()))
	r.Register(New("inv-2", "fn-1", context.Background()))

	if r.Len() != 2 {
		t.Fatalf("expected 2 in-flight invocations, got %d", r.Len())
	}
}
