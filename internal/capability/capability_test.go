package capability

import "testing"

func TestSet_HasAndValue(t *testing.T) {
	s := FromMap(map[string]string{
		HandlesInvocationCancel: "1",
	})

	if !s.Has(HandlesInvocationCancel) {
		t.Fatal("expected HandlesInvocationCancel to be present")
	}
	if s.Has(HandlesWorkerTerminate) {
		t.Fatal("expected HandlesWorkerTerminate to be absent")
	}

	v, ok := s.Value(HandlesInvocationCancel)
	if !ok || v != "1" {
		t.Fatalf("expected value %q, ok=true, got %q, ok=%v", "1", v, ok)
	}
}

func TestSet_NilSetIsEmpty(t *testing.T) {
	var s *Set
	if s.Has(HandlesInvocationCancel) {
		t.Fatal("expected nil set to report no capabilities")
	}
}

func TestSet_SnapshotStableAfterFreeze(t *testing.T) {
	s := FromMap(map[string]string{SharedMemoryDataTransfer: "1"})

	first := s.Snapshot()
	second := s.Snapshot()

	if len(first) != len(second) || first[SharedMemoryDataTransfer] != second[SharedMemoryDataTransfer] {
		t.Fatal("expected repeated snapshots of a frozen set to be identical")
	}

	// Mutating a returned snapshot must not affect the set.
	first["injected"] = "x"
	if s.Has("injected") {
		t.Fatal("mutating a snapshot leaked into the set")
	}
}
