// Package sharedmem implements the Shared-Memory Manager: named,
// reference-counted regions used to offload large invocation payloads
// instead of carrying them inline in the RPC body.
//
// Real memory-mapped-file backing is bundled into the out-of-scope
// Process Supervision capability, so the default Backing here is a plain
// in-process byte-buffer arena. A Backing that maps real shared memory
// could be substituted without changing Manager's public surface.
package sharedmem

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/workerrelay/internal/capability"
)

// Region is a named region shared between host and worker. The host is
// the writer for inputs and the reader for outputs; Manager enforces a
// single writer per region by serializing Write behind its own lock.
type Region struct {
	Name string

	mu     sync.RWMutex
	data   []byte
	refs   int
	pinned bool
}

// Bytes returns the region's current contents.
func (r *Region) Bytes() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data
}

// Write overwrites the region's contents.
func (r *Region) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data[:0], p...)
}

// Len returns the region's current size.
func (r *Region) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Backing abstracts how a region's storage is allocated.
type Backing interface {
	Allocate(name string, size int) ([]byte, error)
}

// memoryBacking is the default Backing: a plain heap-allocated buffer.
type memoryBacking struct{}

func (memoryBacking) Allocate(_ string, size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Manager issues and tracks named regions. It is shared across every
// channel in the process, per spec.md's §5 resource model, so every
// public method is safe for concurrent use.
type Manager struct {
	backing Backing

	mu      sync.Mutex
	regions map[string]*Region

	// acquireGroup collapses concurrent Acquire calls racing on the same
	// cache key into a single allocation, so the Function Data Cache
	// asking two invocations for the same pinned output at once doesn't
	// allocate the region twice.
	acquireGroup singleflight.Group
}

// New creates a Manager. A nil backing uses the default in-process arena.
func New(backing Backing) *Manager {
	if backing == nil {
		backing = memoryBacking{}
	}
	return &Manager{backing: backing, regions: make(map[string]*Region)}
}

// TransferEnabled reports whether shared-memory transfer is active for a
// channel: both the environment flag and the worker's negotiated
// capability must be present. Either missing means disabled, and every
// input/output is carried inline.
func TransferEnabled(envEnabled bool, caps *capability.Set) bool {
	return envEnabled && caps.Has(capability.SharedMemoryDataTransfer)
}

// Acquire returns the region for cacheKey, creating and writing it if this
// is the first request for that key, or incrementing its reference count
// and returning the existing region otherwise.
func (m *Manager) Acquire(cacheKey string, payload []byte) (*Region, error) {
	v, err, _ := m.acquireGroup.Do(cacheKey, func() (any, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if r, ok := m.regions[cacheKey]; ok {
			r.mu.Lock()
			r.refs++
			r.mu.Unlock()
			return r, nil
		}

		buf, err := m.backing.Allocate(cacheKey, len(payload))
		if err != nil {
			return nil, fmt.Errorf("sharedmem: allocate region %s: %w", cacheKey, err)
		}
		copy(buf, payload)
		r := &Region{Name: cacheKey, data: buf, refs: 1}
		m.regions[cacheKey] = r
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Region), nil
}

// Pin marks a region as held by the Function Data Cache: Release becomes
// a no-op for it until Evict is called explicitly.
func (m *Manager) Pin(name string) {
	m.mu.Lock()
	r, ok := m.regions[name]
	m.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.pinned = true
	r.mu.Unlock()
}

// Release decrements a region's reference count, deleting it once the
// count reaches zero — unless the region is pinned, in which case release
// is deferred until Evict.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[name]
	if !ok {
		return
	}

	r.mu.Lock()
	pinned := r.pinned
	r.refs--
	remaining := r.refs
	r.mu.Unlock()

	if !pinned && remaining <= 0 {
		delete(m.regions, name)
	}
}

// Evict force-removes a region regardless of pin state, for the Function
// Data Cache's own eviction policy.
func (m *Manager) Evict(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.regions, name)
}

// Get looks up a region by name without affecting its reference count,
// used on the read side when the host maps in a worker-written output.
func (m *Manager) Get(name string) (*Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regions[name]
	return r, ok
}

// Len reports how many regions are currently tracked, for tests and
// diagnostics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}
