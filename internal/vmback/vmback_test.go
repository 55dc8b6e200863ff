package vmback

import (
	"encoding/binary"
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

func TestSelectInterpreterRunsProgram(t *testing.T) {
	req := vmconfig.Request{Config: vmconfig.Config{Target: vmconfig.TargetInterpreter}}
	b, err := Select(req, helper.NewRegistry(), nil, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := b.Initialize(exitProgram(9)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := b.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 9 {
		t.Fatalf("got %d, want 9", got)
	}
}

func TestSelectNativeFallbackTakesPrecedenceOverUseJIT(t *testing.T) {
	req := vmconfig.Request{Config: vmconfig.Config{
		Target: vmconfig.TargetNativeFallback,
		UseJIT: true,
	}}
	// No arena passed: if UseJIT were consulted before Target, this
	// would fail with "no JIT arena configured" instead of running the
	// interpreter.
	b, err := Select(req, helper.NewRegistry(), nil, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := b.Initialize(exitProgram(5)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := b.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 5 {
		t.Fatalf("got %d, want 5", got)
	}
}

func TestSelectJITRequiresArena(t *testing.T) {
	req := vmconfig.Request{Config: vmconfig.Config{UseJIT: true, Layout: vmconfig.LayoutRawObjectFile}}
	if _, err := Select(req, helper.NewRegistry(), nil, nil); err == nil {
		t.Fatalf("expected an error when UseJIT is set with no arena")
	}
}

func TestSelectJITFallsBackAndReleases(t *testing.T) {
	arena, err := jitarena.New(1, 4096)
	if err != nil {
		t.Fatalf("jitarena.New: %v", err)
	}
	defer arena.Close()

	req := vmconfig.Request{Config: vmconfig.Config{UseJIT: true, Layout: vmconfig.LayoutRawObjectFile}}
	b, err := Select(req, helper.NewRegistry(), arena, nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := b.Initialize(exitProgram(3)); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	got, err := b.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != 3 {
		t.Fatalf("got %d, want 3", got)
	}
	if err := ReleaseIfNeeded(b); err != nil {
		t.Fatalf("ReleaseIfNeeded: %v", err)
	}
}
