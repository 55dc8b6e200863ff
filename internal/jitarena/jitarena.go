// Package jitarena manages a fixed number of executable memory slots
// (component C7): each slot is an mmap'd region that can be made
// writable to receive compiled code and then switched to
// read+execute, mirroring the lifecycle internal/asm/amd64/exec.go's
// assembly trampoline uses for ad-hoc compiled fragments.
//
// Grounded on internal/asm/amd64/exec.go's createAssemblyTrampoline:
// mmap PROT_READ|PROT_WRITE, copy in code, patch relocations,
// mprotect to PROT_READ|PROT_EXEC, munmap on release. Generalized from
// one-shot allocate-then-free fragments to a fixed pool of reusable
// slots a worker acquires and releases per request.
package jitarena

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/ebpfvm/internal/vmerrors"
)

// Slot is one executable memory region in the arena.
type Slot struct {
	index int
	mem   []byte
	ready bool
}

// Index returns this slot's position in the arena.
func (s *Slot) Index() int { return s.index }

// Bytes returns the slot's backing memory while it is still writable
// (before MarkExecutable has been called).
func (s *Slot) Bytes() []byte { return s.mem }

// MarkExecutable switches the slot from writable to executable. The
// caller must not write to Bytes() again until Arena.Release has
// returned the slot to the writable state.
func (s *Slot) MarkExecutable() error {
	if err := unix.Mprotect(s.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("jitarena: mprotect slot %d executable: %w", s.index, err)
	}
	s.ready = true
	return nil
}

// Ready reports whether MarkExecutable has succeeded since the slot was
// last released.
func (s *Slot) Ready() bool { return s.ready }

// Address returns the slot's base address, valid for patching
// relocations and invoking the compiled code once marked executable.
func (s *Slot) Address() uintptr {
	if len(s.mem) == 0 {
		return 0
	}
	return uintptr(unsafeBase(s.mem))
}

// Callable returns the slot's callable function pointer at textOffset
// bytes past its base address. This is get_callable: it fails with
// vmerrors.ErrSlotNotReady on a free (not-yet-executable) slot, and
// rejects a textOffset outside the slot's mapped region so a buggy
// NativeCompiler can't hand back a pointer into unmapped memory.
func (s *Slot) Callable(textOffset int) (uintptr, error) {
	if !s.ready {
		return 0, vmerrors.ErrSlotNotReady
	}
	if textOffset < 0 || textOffset >= len(s.mem) {
		return 0, fmt.Errorf("jitarena: entry offset %d outside slot %d (size %d)", textOffset, s.index, len(s.mem))
	}
	return s.Address() + uintptr(textOffset), nil
}

// Arena is a fixed-size pool of executable memory slots. Safe for
// concurrent use by multiple workers.
type Arena struct {
	mu    sync.Mutex
	slots []*Slot
	free  []int // LIFO free list, same discipline as the worker pool
}

// New allocates count slots of slotSize bytes each, rounded up to a
// page boundary so each slot can be independently mprotect'd.
func New(count, slotSize int) (*Arena, error) {
	if count <= 0 {
		return nil, fmt.Errorf("jitarena: count must be positive, got %d", count)
	}
	pageSize := unix.Getpagesize()
	alloc := ((slotSize + pageSize - 1) / pageSize) * pageSize
	if alloc == 0 {
		alloc = pageSize
	}

	a := &Arena{}
	for i := 0; i < count; i++ {
		mem, err := unix.Mmap(-1, 0, alloc, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			a.closeAllocated()
			return nil, fmt.Errorf("jitarena: mmap slot %d: %w", i, err)
		}
		a.slots = append(a.slots, &Slot{index: i, mem: mem})
		a.free = append(a.free, i)
	}
	return a, nil
}

func (a *Arena) closeAllocated() {
	for _, s := range a.slots {
		_ = unix.Munmap(s.mem)
	}
}

// Count returns the number of slots in the arena.
func (a *Arena) Count() int { return len(a.slots) }

// Acquire reserves a free slot. Returns vmerrors.ErrNoFreeJITSlots when
// the arena is fully checked out.
func (a *Arena) Acquire() (*Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return nil, vmerrors.ErrNoFreeJITSlots
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return a.slots[idx], nil
}

// Release reverts a slot to writable and returns it to the free list.
// It is always safe to call even if MarkExecutable was never called.
func (a *Arena) Release(s *Slot) error {
	if err := unix.Mprotect(s.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("jitarena: mprotect slot %d writable: %w", s.index, err)
	}
	for i := range s.mem {
		s.mem[i] = 0
	}
	s.ready = false

	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, s.index)
	return nil
}

// Close releases every slot's backing memory. The arena must not be
// used afterward.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, s := range a.slots {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.slots = nil
	a.free = nil
	return firstErr
}
