package jit

import (
	"encoding/binary"
	"runtime"
	"testing"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/jitarena"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
)

func exitProgram(imm uint64) []byte {
	prog := make([]byte, 24)
	prog[0] = 0x18 // LDDW r0, imm (16 bytes: this word plus its zero high-half word)
	binary.LittleEndian.PutUint32(prog[4:8], uint32(imm))
	prog[16] = 0x95 // exit
	return prog
}

func TestInitializeRejectsNonRawObjectFileLayout(t *testing.T) {
	arena, err := jitarena.New(1, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	b := NewBackend(arena, nil, helper.NewRegistry())
	req := vmconfig.Request{Config: vmconfig.Config{Layout: vmconfig.LayoutOnlyTextSection, UseJIT: true}}

	if err := b.Initialize(exitProgram(7), req); err == nil {
		t.Fatalf("expected an error for a non-RawObjectFile layout under JIT")
	}
}

func TestInitializeFallsBackToInterpreterWithoutCompiler(t *testing.T) {
	arena, err := jitarena.New(1, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	b := NewBackend(arena, nil, helper.NewRegistry())
	req := vmconfig.Request{Config: vmconfig.Config{Layout: vmconfig.LayoutRawObjectFile, UseJIT: true}}

	if err := b.Initialize(exitProgram(42), req); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := b.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestVerifyRejectsOutOfRangeRegisterEvenWithoutCompiler(t *testing.T) {
	arena, err := jitarena.New(1, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	b := NewBackend(arena, nil, helper.NewRegistry())
	req := vmconfig.Request{Config: vmconfig.Config{Layout: vmconfig.LayoutRawObjectFile, UseJIT: true}}

	// dst register nibble 11 is outside R0-R10; Initialize (which only
	// checks program length) must not be the only gate before Execute.
	prog := make([]byte, 16)
	prog[0] = 0xb7 // ALU64 | MOV, imm source
	prog[1] = 11   // dst=11
	prog[8] = 0x95 // exit

	if err := b.Initialize(prog, req); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.Verify(); err == nil {
		t.Fatalf("expected Verify to reject an out-of-range register index")
	}
}

func TestReleaseReturnsSlotToArena(t *testing.T) {
	arena, err := jitarena.New(1, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	b := NewBackend(arena, nil, helper.NewRegistry())
	req := vmconfig.Request{Config: vmconfig.Config{Layout: vmconfig.LayoutRawObjectFile, UseJIT: true}}
	if err := b.Initialize(exitProgram(1), req); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Initialize's compile-failure path already returned the slot to the
	// arena, so both Release calls must be no-ops, not a double-free.
	if err := b.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	if _, err := arena.Acquire(); err != nil {
		t.Fatalf("expected the slot to be available again: %v", err)
	}
}

// fakeCompiler copies program into dst and succeeds, unlike
// PassthroughCompiler, so concurrent Initialize calls exercise the
// shared scratch buffer's copy-then-compile sequence instead of
// immediately falling back to the interpreter.
type fakeCompiler struct{}

func (fakeCompiler) Compile(dst, program []byte) (int, error) {
	copy(dst, program)
	return 0, nil
}

// doublingAmd64Compiler ignores the input program and always emits a
// fixed amd64 function that doubles its second argument (System V:
// RSI) into the return register (RAX): "mov rax, rsi; add rax, rsi;
// ret". It exists to exercise Backend's actual native-call path
// (callNative/purego.SyscallN), as opposed to fakeCompiler's
// copy-the-bytecode-and-never-execute-it stand-in.
type doublingAmd64Compiler struct{}

func (doublingAmd64Compiler) Compile(dst, program []byte) (int, error) {
	code := []byte{0x48, 0x89, 0xf0, 0x48, 0x01, 0xf0, 0xc3}
	copy(dst, code)
	return 0, nil
}

func TestExecuteOnPacketInvokesCompiledNativeCode(t *testing.T) {
	if runtime.GOARCH != "amd64" || (runtime.GOOS != "linux" && runtime.GOOS != "darwin") {
		t.Skip("native call test requires linux/darwin amd64")
	}

	arena, err := jitarena.New(1, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	b := NewBackend(arena, doublingAmd64Compiler{}, helper.NewRegistry())
	req := vmconfig.Request{Config: vmconfig.Config{Layout: vmconfig.LayoutRawObjectFile, UseJIT: true}}
	if err := b.Initialize(exitProgram(0), req); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer b.Release()

	packet := make([]byte, 21)
	got, err := b.ExecuteOnPacket(packet)
	if err != nil {
		t.Fatalf("ExecuteOnPacket: %v", err)
	}
	if want := uint64(len(packet) * 2); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestCompileWithScratchSerializesConcurrentCompiles(t *testing.T) {
	const n = 8
	arena, err := jitarena.New(n, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			b := NewBackend(arena, fakeCompiler{}, helper.NewRegistry())
			req := vmconfig.Request{Config: vmconfig.Config{Layout: vmconfig.LayoutRawObjectFile, UseJIT: true}}
			prog := exitProgram(uint64(i))
			if err := b.Initialize(prog, req); err != nil {
				done <- err
				return
			}
			done <- b.Release()
		}(i)
	}

	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Initialize/Release: %v", err)
		}
	}
}
