// Package jit implements the JIT back-end (component C6) as a
// resource-management and ABI shell around a pluggable NativeCompiler,
// not a full native code generator. Compiling eBPF bytecode to host
// machine code is an explicit non-goal; what the back-end is
// responsible for is everything around that step — arena slot
// lifecycle, the RawObjectFile-only layout constraint, invoking
// whatever a configured compiler produced, and falling back to the
// interpreter when no compiler is configured.
//
// Grounded on internal/asm/amd64/exec.go's mmap/mprotect/release
// lifecycle (here delegated to package jitarena) and the pluggable
// backend shape of internal/hv/factory's hypervisor selection, which
// picks an implementation without the caller needing to know which
// concrete backend it got. The call into a compiled slot's native code
// is grounded on internal/hv/hvf's use of github.com/ebitengine/purego
// to invoke a bare function pointer from Go without cgo — here that
// pointer is this process's own JIT slot rather than a dlopen'd
// framework symbol, but the invocation mechanism is the same.
package jit

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/interp"
	"github.com/tinyrange/ebpfvm/internal/jitarena"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/vmerrors"
)

// scratchMu and scratchBuf are the process-wide program-copy scratch
// buffer: workers compiling concurrently serialize on scratchMu for
// the duration of one Compile call, trading compile-time
// parallelism for a single shared copy buffer instead of one per
// worker.
var (
	scratchMu  sync.Mutex
	scratchBuf []byte
)

// compileWithScratch copies program into the shared scratch buffer
// under scratchMu, then compiles from there. The buffer grows to fit
// the largest program seen so far and is never shrunk.
func compileWithScratch(compiler NativeCompiler, dst, program []byte) (int, error) {
	scratchMu.Lock()
	defer scratchMu.Unlock()

	if cap(scratchBuf) < len(program) {
		scratchBuf = make([]byte, len(program))
	}
	scratchBuf = scratchBuf[:len(program)]
	copy(scratchBuf, program)

	return compiler.Compile(dst, scratchBuf)
}

// NativeCompiler turns a relocated program image into machine code
// written directly into dst (a writable jitarena slot), returning the
// entry offset within dst. Real native code generation is out of
// scope; PassthroughCompiler below is the only implementation this
// package ships.
type NativeCompiler interface {
	Compile(dst []byte, program []byte) (entryOffset int, err error)
}

// PassthroughCompiler is the default NativeCompiler: it does not
// generate machine code at all. It exists so the arena slot lifecycle
// (acquire, then release on the fallback path) and the RawObjectFile-only
// layout constraint are exercised end to end even though no real
// compiler backend is implemented, per the non-goal on compiling eBPF.
type PassthroughCompiler struct{}

// Compile always fails: there is nothing to compile to. Callers use
// Backend.usingFallback to decide whether to run the interpreter
// instead of treating this as fatal.
func (PassthroughCompiler) Compile(dst []byte, program []byte) (int, error) {
	return 0, fmt.Errorf("jit: no native compiler configured, interpreter fallback required")
}

// Backend is the VM capability implementation (see package vmback) for
// UseJIT requests. It owns an arena of reusable executable slots and a
// pluggable compiler; when the compiler can't produce code (the normal
// case with PassthroughCompiler) it runs the program through the
// interpreter instead, so requests never fail solely because no real
// JIT exists.
type Backend struct {
	arena    *jitarena.Arena
	compiler NativeCompiler
	helpers  *helper.Registry

	slot        *jitarena.Slot
	entryOffset int
	program     []byte
	request     vmconfig.Request
}

// NewBackend constructs a JIT backend over arena using compiler. A nil
// compiler is equivalent to PassthroughCompiler.
func NewBackend(arena *jitarena.Arena, compiler NativeCompiler, helpers *helper.Registry) *Backend {
	if compiler == nil {
		compiler = PassthroughCompiler{}
	}
	return &Backend{arena: arena, compiler: compiler, helpers: helpers}
}

// Initialize enforces the RawObjectFile-only layout constraint, then
// acquires an arena slot and attempts native compilation.
func (b *Backend) Initialize(program []byte, req vmconfig.Request) error {
	if req.Config.Layout != vmconfig.LayoutRawObjectFile {
		return fmt.Errorf("jit: layout %s not supported, JIT requires RawObjectFile", req.Config.Layout)
	}

	slot, err := b.arena.Acquire()
	if err != nil {
		return err
	}

	entryOffset, err := compileWithScratch(b.compiler, slot.Bytes(), program)
	if err != nil {
		// No usable native compiler: release the slot immediately and
		// fall back to the interpreter for every subsequent operation.
		_ = b.arena.Release(slot)
		b.slot = nil
		b.program = program
		b.request = req
		return nil
	}

	if err := slot.MarkExecutable(); err != nil {
		_ = b.arena.Release(slot)
		return err
	}
	b.slot = slot
	b.entryOffset = entryOffset
	b.program = program
	b.request = req
	return nil
}

// usingFallback reports whether Initialize fell back to interpreting
// rather than running compiled native code.
func (b *Backend) usingFallback() bool { return b.slot == nil }

// ProgramLength returns the bound program's length in bytes.
func (b *Backend) ProgramLength() int { return len(b.program) }

// Verify delegates to the interpreter's structural checks, run even
// when Initialize ended up on the native path: a native compiler may
// have accepted and compiled an instruction stream the interpreter
// would reject, but those same structural defects (bad register index,
// unsupported opcode) are still a verification failure for this
// program, not just for the fallback path that happens to run it.
func (b *Backend) Verify() error {
	it := interp.New(b.helpers, b.request)
	if err := it.Initialize(b.program); err != nil {
		return err
	}
	return it.Verify()
}

// Execute runs the bound program. With no native compiler configured
// this always takes the interpreter fallback path; otherwise it
// retrieves the callable from the slot and invokes it with four
// word-sized zero arguments, the non-packet calling convention.
func (b *Backend) Execute() (uint64, error) {
	if b.usingFallback() {
		it := interp.New(b.helpers, b.request)
		if err := it.Initialize(b.program); err != nil {
			return 0, err
		}
		return it.Execute()
	}
	return b.callNative(0, 0, 0, 0)
}

// ExecuteOnPacket runs the bound program with packet context. In the
// native path the callable is invoked with (packet_ptr, packet_len,
// userdata_ptr, userdata_len); this system has no separate userdata
// buffer, so those two arguments are always zero.
func (b *Backend) ExecuteOnPacket(packet []byte) (uint64, error) {
	if b.usingFallback() {
		it := interp.New(b.helpers, b.request)
		if err := it.Initialize(b.program); err != nil {
			return 0, err
		}
		return it.ExecuteOnPacket(packet)
	}
	var packetPtr uintptr
	if len(packet) > 0 {
		packetPtr = uintptr(unsafe.Pointer(&packet[0]))
	}
	result, err := b.callNative(packetPtr, uintptr(len(packet)), 0, 0)
	runtime.KeepAlive(packet)
	return result, err
}

// callNative retrieves the bound slot's callable pointer (base +
// entry-offset) and invokes it via purego.SyscallN, the same
// raw-function-pointer call purego's library bindings use, applied
// here to a pointer into this process's own JIT arena rather than a
// dlopen'd symbol.
func (b *Backend) callNative(a0, a1, a2, a3 uintptr) (uint64, error) {
	fn, err := b.slot.Callable(b.entryOffset)
	if err != nil {
		return 0, &vmerrors.ExecutionFailed{Kind: "jit", Cause: err}
	}
	r1, _, _ := purego.SyscallN(fn, a0, a1, a2, a3)
	return uint64(r1), nil
}

// Release returns the backend's arena slot, if any was acquired.
func (b *Backend) Release() error {
	if b.slot == nil {
		return nil
	}
	s := b.slot
	b.slot = nil
	return b.arena.Release(s)
}
