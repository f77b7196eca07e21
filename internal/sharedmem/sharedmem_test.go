package sharedmem

import (
	"testing"

	"github.com/oriys/workerrelay/internal/capability"
)

func TestTransferEnabled(t *testing.T) {
	enabledCaps := capability.FromMap(map[string]string{capability.SharedMemoryDataTransfer: "1"})
	emptyCaps := capability.FromMap(map[string]string{})

	cases := []struct {
		name       string
		envEnabled bool
		caps       *capability.Set
		want       bool
	}{
		{"both set", true, enabledCaps, true},
		{"env only", true, emptyCaps, false},
		{"capability only", false, enabledCaps, false},
		{"neither", false, emptyCaps, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := TransferEnabled(c.envEnabled, c.caps); got != c.want {
				t.Fatalf("TransferEnabled() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestManager_AcquireWritesPayload(t *testing.T) {
	m := New(nil)

	r, err := m.Acquire("region-1", []byte("hello"))
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if string(r.Bytes()) != "hello" {
		t.Fatalf("expected region contents %q, got %q", "hello", r.Bytes())
	}
}

func TestManager_ReleaseDeletesAtZeroRefs(t *testing.T) {
	m := New(nil)
	if _, err := m.Acquire("region-1", []byte("a")); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	m.Release("region-1")
	if m.Len() != 0 {
		t.Fatalf("expected region to be removed, got %d regions", m.Len())
	}
}

func TestManager_PinDefersRelease(t *testing.T) {
	m := New(nil)
	if _, err := m.Acquire("region-1", []byte("a")); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Pin("region-1")

	m.Release("region-1")
	if m.Len() != 1 {
		t.Fatal("expected pinned region to survive Release")
	}

	m.Evict("region-1")
	if m.Len() != 0 {
		t.Fatal("expected Evict to remove a pinned region")
	}
}

func TestManager_AcquireIncrementsRefcountForExistingKey(t *testing.T) {
	m := New(nil)
	if _, err := m.Acquire("region-1", []byte("a")); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if _, err := m.Acquire("region-1", []byte("a")); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}

	// Two acquires, two releases: the region should survive the first
	// release and disappear after the second.
	m.Release("region-1")
	if m.Len() != 1 {
		t.Fatal("expected region to survive first release after two acquires")
	}
	m.Release("region-1")
	if m.Len() != 0 {
		t.Fatal("expected region to be gone after matching releases")
	}
}
