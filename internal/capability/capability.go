// Package capability stores the feature flags a worker negotiates with
// the host during initialization. The set is immutable once the channel
// observes a successful WorkerInitResponse; every protocol branch that
// depends on a capability reads through this type rather than a raw map,
// so the freeze is enforced in one place.
package capability

import "maps"

// Known capability names, as recognized by the protocol.
const (
	HandlesWorkerTerminate            = "HandlesWorkerTerminate"
	HandlesInvocationCancel           = "HandlesInvocationCancel"
	SupportsLoadResponseCollection     = "SupportsLoadResponseCollection"
	SharedMemoryDataTransfer          = "SharedMemoryDataTransfer"
	RawHttpBodyBytes                  = "RawHttpBodyBytes"
	UseNullableValueDictionaryForHttp = "UseNullableValueDictionaryForHttp"
)

// Set is a negotiated capability map: name to the raw value-string the
// worker reported. A capability is "present" if its key exists, regardless
// of value content, matching the worker protocol's convention of using
// presence rather than a boolean payload.
type Set struct {
	values map[string]string
	frozen bool
}

// New returns an empty, unfrozen Set. Unfrozen sets may still be read;
// Freeze is what makes later mutation attempts no-ops.
func New() *Set {
	return &Set{values: make(map[string]string)}
}

// FromMap builds a frozen Set from a worker's WorkerInitResponse payload.
func FromMap(values map[string]string) *Set {
	s := &Set{values: make(map[string]string, len(values))}
	maps.Copy(s.values, values)
	s.frozen = true
	return s
}

// Has reports whether the named capability is present.
func (s *Set) Has(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.values[name]
	return ok
}

// Value returns the raw value string for a capability, and whether it was
// present at all.
func (s *Set) Value(name string) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[name]
	return v, ok
}

// Freeze marks the set immutable. Later calls are no-ops.
func (s *Set) Freeze() {
	s.frozen = true
}

// Frozen reports whether Freeze has been called.
func (s *Set) Frozen() bool {
	return s.frozen
}

// Snapshot returns a defensive copy of the underlying map. Reading it
// after Initialized always yields the same contents regardless of when
// it's called, since a frozen Set never mutates.
func (s *Set) Snapshot() map[string]string {
	out := make(map[string]string, len(s.values))
	maps.Copy(out, s.values)
	return out
}
