package functionload

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/invocation"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

func metas() []rpcproto.FunctionMetadata {
	return []rpcproto.FunctionMetadata{
		{FunctionID: "disabled-fn", Name: "aDisabled", Disabled: true},
		{FunctionID: "fn-1", Name: "js1"},
		{FunctionID: "fn-2", Name: "js2"},
	}
}

func TestManager_OrderedLoadRequests_DisabledLast(t *testing.T) {
	m := New(0)
	m.SetupFunctionInvocationBuffers(metas())

	reqs := m.OrderedLoadRequests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
	last := reqs[len(reqs)-1]
	if last.FunctionID != "disabled-fn" {
		t.Fatalf("expected disabled function last, got %s", last.FunctionID)
	}
	if reqs[0].FunctionID != "fn-1" || reqs[1].FunctionID != "fn-2" {
		t.Fatalf("expected enabled functions to preserve insertion order, got %v", reqs)
	}
}

func TestManager_NotReadyBeforeSetup(t *testing.T) {
	m := New(0)
	if m.IsChannelReadyForInvocations() {
		t.Fatal("expected not ready before SetupFunctionInvocationBuffers")
	}
	m.SetupFunctionInvocationBuffers(metas())
	if !m.IsChannelReadyForInvocations() {
		t.Fatal("expected ready after SetupFunctionInvocationBuffers")
	}
}

func TestManager_EnqueueBuffersUntilLoaded(t *testing.T) {
	m := New(0)
	m.SetupFunctionInvocationBuffers(metas())

	inv := invocation.New("inv-1", "fn-1", context.Background())
	dispatched := make(chan struct{}, 1)
	dispatch := func(i *invocation.Invocation) { dispatched <- struct{}{} }

	if err := m.EnqueueInvocation("fn-1", inv, dispatch); err != nil {
		t.Fatalf("EnqueueInvocation failed: %v", err)
	}

	select {
	case <-dispatched:
		t.Fatal("should not dispatch before load completes")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.HandleLoadResponse("fn-1", rpcproto.StatusResult{Status: rpcproto.StatusSuccess}); err != nil {
		t.Fatalf("HandleLoadResponse failed: %v", err)
	}

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("expected buffered invocation to flush after load success")
	}
}

func TestManager_EnqueueAfterLoadedDispatchesImmediately(t *testing.T) {
	m := New(0)
	m.SetupFunctionInvocationBuffers(metas())
	if err := m.HandleLoadResponse("fn-1", rpcproto.StatusResult{Status: rpcproto.StatusSuccess}); err != nil {
		t.Fatalf("HandleLoadResponse failed: %v", err)
	}

	inv := invocation.New("inv-1", "fn-1", context.Background())
	dispatched := make(chan struct{}, 1)
	if err := m.EnqueueInvocation("fn-1", inv, func(*invocation.Invocation) { dispatched <- struct{}{} }); err != nil {
		t.Fatalf("EnqueueInvocation failed: %v", err)
	}

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("expected immediate dispatch for a loaded function")
	}
}

func TestManager_FailedLoadFailsBufferedInvocations(t *testing.T) {
	m := New(0)
	m.SetupFunctionInvocationBuffers(metas())

	inv := invocation.New("inv-1", "fn-1", context.Background())
	if err := m.EnqueueInvocation("fn-1", inv, func(*invocation.Invocation) {}); err != nil {
		t.Fatalf("EnqueueInvocation failed: %v", err)
	}

	if err := m.HandleLoadResponse("fn-1", rpcproto.StatusResult{Status: rpcproto.StatusFailure, Exception: "boom"}); err != nil {
		t.Fatalf("HandleLoadResponse failed: %v", err)
	}

	select {
	case r := <-inv.Wait():
		if r.Outcome != invocation.OutcomeFailure {
			t.Fatalf("expected failure outcome, got %v", r.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("expected buffered invocation to fail after load failure")
	}

	if err := m.EnqueueInvocation("fn-1", invocation.New("inv-2", "fn-1", context.Background()), func(*invocation.Invocation) {}); err == nil {
		t.Fatal("expected enqueue against a failed function to error")
	}
}

func TestManager_EnqueueBufferBound(t *testing.T) {
	m := New(1)
	m.SetupFunctionInvocationBuffers(metas())

	if err := m.EnqueueInvocation("fn-1", invocation.New("inv-1", "fn-1", context.Background()), func(*invocation.Invocation) {}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := m.EnqueueInvocation("fn-1", invocation.New("inv-2", "fn-1", context.Background()), func(*invocation.Invocation) {}); err == nil {
		t.Fatal("expected second enqueue to fail once the buffer bound is reached")
	}
}

func TestManager_DispatchLoadRequests_BatchedWithCapability(t *testing.T) {
	m := New(0)
	m.SetupFunctionInvocationBuffers(metas())
	caps := capability.FromMap(map[string]string{capability.SupportsLoadResponseCollection: "1"})

	var kinds []rpcproto.Kind
	send := func(_ context.Context, kind rpcproto.Kind, _ any) error {
		kinds = append(kinds, kind)
		return nil
	}

	if err := m.DispatchLoadRequests(context.Background(), caps, send); err != nil {
		t.Fatalf("DispatchLoadRequests failed: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != rpcproto.KindFunctionLoadRequestCollection {
		t.Fatalf("expected a single collection message, got %v", kinds)
	}
}

func TestManager_DispatchLoadRequests_PerFunctionWithoutCapability(t *testing.T) {
	m := New(0)
	m.SetupFunctionInvocationBuffers(metas())
	caps := capability.FromMap(map[string]string{})

	var count atomic.Int64
	send := func(_ context.Context, kind rpcproto.Kind, _ any) error {
		if kind != rpcproto.KindFunctionLoadRequest {
			t.Errorf("unexpected kind %v", kind)
		}
		count.Add(1)
		return nil
	}

	if err := m.DispatchLoadRequests(context.Background(), caps, send); err != nil {
		t.Fatalf("DispatchLoadRequests failed: %v", err)
	}
	if count.Load() != 3 {
		t.Fatalf("expected 3 per-function requests, got %d", count.Load())
	}
}
