package helper

import "testing"

func TestRegisterBuiltinsPacketLength(t *testing.T) {
	reg := NewRegistry()
	length := 0
	RegisterBuiltins(reg, func() int { return length }, nil)

	fn, ok := reg.Resolve(HelperPacketLength)
	if !ok {
		t.Fatalf("expected packet length helper to be registered")
	}

	length = 42
	if got := fn([5]uint64{}); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRegisterBuiltinsMonotonicTimeAdvances(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg, nil, nil)

	fn, ok := reg.Resolve(HelperMonotonicTime)
	if !ok {
		t.Fatalf("expected monotonic time helper to be registered")
	}

	a := fn([5]uint64{})
	b := fn([5]uint64{})
	if b < a {
		t.Fatalf("expected monotonic time to be non-decreasing, got %d then %d", a, b)
	}
}

func TestBuiltinNamesCoversRegisteredIDs(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg, nil, nil)

	for id := range BuiltinNames() {
		if !reg.Has(id) {
			t.Fatalf("BuiltinNames names id %d but it is not registered", id)
		}
	}
}
