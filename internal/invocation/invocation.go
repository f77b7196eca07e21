// Package invocation tracks in-flight function calls for one worker
// channel: one Invocation per call, correlated by ID, with a one-shot
// result sink the channel's executor is the sole writer to.
package invocation

import (
	"context"
	"fmt"
	"sync"

	"github.com/oriys/workerrelay/internal/rpcproto"
)

// Outcome is the terminal state of an invocation, reported through its
// result sink exactly once.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimeout   Outcome = "timeout"
)

// Result is the terminal value delivered through a result sink.
type Result struct {
	Outcome     Outcome
	ReturnValue []byte
	Outputs     []rpcproto.ParameterBinding
	Err         error
}

// Invocation is one in-flight function call. Its result sink is a
// single-producer/single-consumer channel: the channel's executor is the
// only writer, and it writes at most once — the channel type is buffered
// to size 1 specifically so a write never blocks even if nobody is
// listening yet.
type Invocation struct {
	ID         string
	FunctionID string

	ctx    context.Context
	cancel context.CancelFunc

	resultCh chan Result

	mu        sync.Mutex
	signalled bool
}

// New creates an Invocation bound to ctx. Cancelling ctx (directly, or via
// its deadline) is the caller's pre-publish cancellation hook; once the
// invocation is registered, the channel's cancellation path goes through
// Signal instead.
func New(id, functionID string, ctx context.Context) *Invocation {
	ictx, cancel := context.WithCancel(ctx)
	return &Invocation{
		ID:         id,
		FunctionID: functionID,
		ctx:        ictx,
		cancel:     cancel,
		resultCh:   make(chan Result, 1),
	}
}

// Context returns the invocation's cancellation context.
func (inv *Invocation) Context() context.Context { return inv.ctx }

// Done reports whether the invocation's context has already been
// cancelled — the pre-publish cancellation check SendInvocation needs.
func (inv *Invocation) Done() bool {
	select {
	case <-inv.ctx.Done():
		return true
	default:
		return false
	}
}

// Signal delivers the terminal result exactly once. Later calls are no-ops,
// which is what makes TryFailExecutions safe to apply more than once and
// makes a stray InvocationResponse arriving after local cancellation a
// harmless drop rather than a panic: the channel type can only accept one
// send, so a second attempt simply has nowhere to go and Signal's internal
// guard keeps it from blocking on that closed door.
func (inv *Invocation) Signal(r Result) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.signalled {
		return
	}
	inv.signalled = true
	inv.cancel()
	inv.resultCh <- r
}

// Wait blocks until the invocation is signalled, returning its result.
func (inv *Invocation) Wait() <-chan Result { return inv.resultCh }

// Registry owns every in-flight Invocation for one channel. It is not
// safe to share across channels — spec.md gives each channel exclusive
// ownership of its own registry.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*Invocation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Invocation)}
}

// Register adds inv to the registry. Callers must register before
// publishing the corresponding InvocationRequest, so that a racing
// InvocationResponse can never miss its sink.
func (r *Registry) Register(inv *Invocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[inv.ID] = inv
}

// Get returns the invocation for id, if still registered.
func (r *Registry) Get(id string) (*Invocation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.byID[id]
	return inv, ok
}

// Remove deletes id from the registry, regardless of whether it signals
// first — callers that remove on a terminal response must call Signal
// themselves beforehand.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// IsExecuting reports whether id is currently registered.
func (r *Registry) IsExecuting(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byID[id]
	return ok
}

// Len reports the number of in-flight invocations, used by Drain to
// detect an empty registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// TryFailExecutions signals every registered invocation with err and
// clears the registry. Idempotent: a second call sees an empty map and
// does nothing.
func (r *Registry) TryFailExecutions(err error) {
	r.mu.Lock()
	invs := make([]*Invocation, 0, len(r.byID))
	for id, inv := range r.byID {
		invs = append(invs, inv)
		delete(r.byID, id)
	}
	r.mu.Unlock()

	for _, inv := range invs {
		inv.Signal(Result{Outcome: OutcomeCancelled, Err: err})
	}
}

// CompleteAndRemove signals inv with r and removes it from the registry.
// Used for terminal InvocationResponses.
func (r *Registry) CompleteAndRemove(id string, result Result) error {
	inv, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("invocation: no such invocation %s", id)
	}
	inv.Signal(result)
	r.Remove(id)
	return nil
}
