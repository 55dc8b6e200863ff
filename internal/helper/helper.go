// Package helper is the host-function registry eBPF programs call through
// CALL instructions: a small integer ID maps to a Go callable, and each
// request carries its own allowed subset. Shaped like
// internal/chipset/builder.go's ChipsetBuilder device registry — a map
// from a small key to a callable, registered once at startup and
// rejecting duplicates with an error rather than a panic — generalized
// from device names to per-ID helpers.
package helper

import "fmt"

// Func is a host callable invoked from eBPF with up to five 64-bit
// arguments (the eBPF calling convention passes args in R1-R5) and
// returning a single 64-bit result.
type Func func(args [5]uint64) uint64

// Registry maps helper IDs to host callables. Read-only after initial
// setup: workers only ever call Resolve.
type Registry struct {
	fns map[uint8]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[uint8]Func)}
}

// Register binds id to fn, rejecting a duplicate id with an error the
// way internal/chipset/builder.go's RegisterDevice rejects a duplicate
// device name, rather than panicking: the platform helper set is fixed
// at startup, but a caller-bug double-registration is still this
// registry's own error to report, not the process's to crash over.
func (r *Registry) Register(id uint8, fn Func) error {
	if _, exists := r.fns[id]; exists {
		return fmt.Errorf("helper: id %d already registered", id)
	}
	r.fns[id] = fn
	return nil
}

// Resolve returns the callable for id, or ok=false if none is registered.
func (r *Registry) Resolve(id uint8) (Func, bool) {
	fn, ok := r.fns[id]
	return fn, ok
}

// Has reports whether id has a registered callable, independent of
// whether any particular request is allowed to call it.
func (r *Registry) Has(id uint8) bool {
	_, ok := r.fns[id]
	return ok
}
