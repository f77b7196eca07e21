// Package functionload orders, batches, and tracks function-load
// requests and responses for one worker channel: one FunctionLoadEntry
// per registered function, each carrying a bounded buffer of invocations
// that arrived before its load completed.
package functionload

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/workerrelay/internal/capability"
	"github.com/oriys/workerrelay/internal/invocation"
	"github.com/oriys/workerrelay/internal/rpcproto"
)

// Status is a function's load state.
type Status string

const (
	StatusPending Status = "pending"
	StatusLoaded  Status = "loaded"
	StatusFailed  Status = "failed"
)

// DispatchFunc sends an already-registered invocation across the wire.
// The Manager calls it directly for a function that's already Loaded, or
// once per buffered invocation when a Pending function transitions.
type DispatchFunc func(inv *invocation.Invocation)

// buffered pairs an invocation with the dispatch it's waiting on, so the
// buffer can flush it later without the caller having to resubmit.
type buffered struct {
	inv      *invocation.Invocation
	dispatch DispatchFunc
}

// Entry is one function registered with this worker.
type Entry struct {
	Metadata       rpcproto.FunctionMetadata
	insertionOrder int

	mu     sync.Mutex
	status Status
	buffer []buffered
}

// Status returns the entry's current load state.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Manager owns every FunctionLoadEntry for one channel.
type Manager struct {
	maxPendingPerFunction int

	mu           sync.Mutex
	entries      map[string]*Entry
	insertionSeq int
	buffersReady bool
}

// New creates a Manager. maxPendingPerFunction bounds each entry's
// pre-load invocation buffer; the spec leaves this unbounded, which this
// module resolves by making the bound explicit and configurable.
func New(maxPendingPerFunction int) *Manager {
	if maxPendingPerFunction <= 0 {
		maxPendingPerFunction = 64
	}
	return &Manager{
		maxPendingPerFunction: maxPendingPerFunction,
		entries:               make(map[string]*Entry),
	}
}

// SetupFunctionInvocationBuffers creates a Pending entry for every
// metadata record. Until this runs, IsChannelReadyForInvocations is false.
func (m *Manager) SetupFunctionInvocationBuffers(metadatas []rpcproto.FunctionMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, md := range metadatas {
		m.insertionSeq++
		m.entries[md.FunctionID] = &Entry{
			Metadata:       md,
			insertionOrder: m.insertionSeq,
			status:         StatusPending,
		}
	}
	m.buffersReady = true
}

// IsChannelReadyForInvocations reports whether SetupFunctionInvocationBuffers
// has run.
func (m *Manager) IsChannelReadyForInvocations() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffersReady
}

// Entry returns the load entry for functionID, if registered.
func (m *Manager) Entry(functionID string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[functionID]
	return e, ok
}

// OrderedLoadRequests returns one FunctionLoadRequestPayload per entry,
// enabled functions first and disabled functions last, ties broken by
// insertion order.
func (m *Manager) OrderedLoadRequests() []rpcproto.FunctionLoadRequestPayload {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	sortEntriesForLoad(entries)

	reqs := make([]rpcproto.FunctionLoadRequestPayload, 0, len(entries))
	for _, e := range entries {
		reqs = append(reqs, rpcproto.FunctionLoadRequestPayload{
			FunctionID: e.Metadata.FunctionID,
			Metadata:   e.Metadata,
		})
	}
	return reqs
}

// sortEntriesForLoad orders entries enabled-first, disabled-last, with
// insertion order as the tiebreaker within each group. Plain insertion
// sort: the entry count per worker is small enough that this never shows
// up in a profile, and it keeps the comparator easy to read.
func sortEntriesForLoad(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && loadLess(entries[j], entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func loadLess(a, b *Entry) bool {
	aDisabled, bDisabled := a.Metadata.Disabled, b.Metadata.Disabled
	if aDisabled != bDisabled {
		return !aDisabled // enabled (aDisabled == false) sorts first
	}
	return a.insertionOrder < b.insertionOrder
}

// DispatchLoadRequests sends the ordered load requests to the worker via
// send. If caps advertises SupportsLoadResponseCollection, a single
// FunctionLoadRequestCollection carries every entry. Otherwise one
// FunctionLoadRequest is sent per function; since nothing orders these
// requests relative to each other (only relative to later invocations for
// the same function, which DispatchLoadRequests' caller controls), they
// go out concurrently through an errgroup.
func (m *Manager) DispatchLoadRequests(ctx context.Context, caps *capability.Set, send func(context.Context, rpcproto.Kind, any) error) error {
	reqs := m.OrderedLoadRequests()
	if len(reqs) == 0 {
		return nil
	}

	if caps.Has(capability.SupportsLoadResponseCollection) {
		return send(ctx, rpcproto.KindFunctionLoadRequestCollection, rpcproto.FunctionLoadRequestCollectionPayload{Requests: reqs})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, req := range reqs {
		req := req
		g.Go(func() error {
			return send(gctx, rpcproto.KindFunctionLoadRequest, req)
		})
	}
	return g.Wait()
}

// HandleLoadResponse transitions one entry to Loaded or Failed and flushes
// its buffer: loaded entries dispatch every buffered invocation in
// arrival order, failed entries fail every buffered invocation with a
// load error.
func (m *Manager) HandleLoadResponse(functionID string, result rpcproto.StatusResult) error {
	m.mu.Lock()
	e, ok := m.entries[functionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("functionload: unknown function %s", functionID)
	}

	e.mu.Lock()
	var toDispatch, toFail []buffered
	if result.Status == rpcproto.StatusSuccess {
		e.status = StatusLoaded
		toDispatch = e.buffer
	} else {
		e.status = StatusFailed
		toFail = e.buffer
	}
	e.buffer = nil
	e.mu.Unlock()

	for _, b := range toDispatch {
		b.dispatch(b.inv)
	}
	for _, b := range toFail {
		b.inv.Signal(invocation.Result{
			Outcome: invocation.OutcomeFailure,
			Err:     fmt.Errorf("functionload: function %s failed to load: %s", functionID, result.Exception),
		})
	}
	return nil
}

// HandleLoadResponseCollection applies HandleLoadResponse to every entry
// in a FunctionLoadResponseCollection.
func (m *Manager) HandleLoadResponseCollection(responses []rpcproto.FunctionLoadResponsePayload) error {
	for _, r := range responses {
		if err := m.HandleLoadResponse(r.FunctionID, r.Result); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueInvocation dispatches inv immediately if its function is
// already Loaded, fails it immediately if Failed, or buffers it if
// Pending. Buffering beyond maxPendingPerFunction fails the newest
// invocation rather than growing without bound.
func (m *Manager) EnqueueInvocation(functionID string, inv *invocation.Invocation, dispatch DispatchFunc) error {
	m.mu.Lock()
	e, ok := m.entries[functionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("functionload: unknown function %s", functionID)
	}

	e.mu.Lock()
	status := e.status
	var bufferFull bool
	if status == StatusPending {
		if len(e.buffer) >= m.maxPendingPerFunction {
			bufferFull = true
		} else {
			e.buffer = append(e.buffer, buffered{inv: inv, dispatch: dispatch})
		}
	}
	e.mu.Unlock()

	switch {
	case status == StatusLoaded:
		dispatch(inv)
		return nil
	case status == StatusFailed:
		return fmt.Errorf("functionload: function %s previously failed to load", functionID)
	case bufferFull:
		return fmt.Errorf("functionload: function %s pre-load buffer full (%d)", functionID, m.maxPendingPerFunction)
	default:
		return nil
	}
}
