package worker

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/pipeline"
	"github.com/tinyrange/ebpfvm/internal/store"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
)

func exitProgram(imm uint64) []byte {
	prog := make([]byte, 24)
	prog[0] = 0x18
	binary.LittleEndian.PutUint32(prog[4:8], uint32(imm))
	prog[16] = 0x95
	return prog
}

func TestWorkerRunsJobAndPostsCompletion(t *testing.T) {
	dir := t.TempDir()
	st := store.NewDirStore(dir, 1)
	if err := st.WriteProgram(0, exitProgram(55)); err != nil {
		t.Fatalf("WriteProgram: %v", err)
	}

	completion := make(chan vmconfig.WorkerID, 1)
	w := New(1, 10, completion, st, pipeline.Deps{Helpers: helper.NewRegistry()}, nil, 0)

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	result := make(chan Outcome, 1)
	w.Mailbox() <- Job{
		Request: vmconfig.Request{Config: vmconfig.Config{Target: vmconfig.TargetInterpreter, Layout: vmconfig.LayoutOnlyTextSection, SUITSlot: 0}},
		Result:  result,
	}

	select {
	case out := <-result:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
		if out.Value != 55 {
			t.Fatalf("got %d, want 55", out.Value)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}

	select {
	case id := <-completion:
		if id != 1 {
			t.Fatalf("got completion from worker %d, want 1", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for completion notification")
	}
}

func TestNewUsesDefaultBufferSizeWhenUnset(t *testing.T) {
	st := store.NewDirStore(t.TempDir(), 1)
	w := New(0, 1, make(chan vmconfig.WorkerID, 1), st, pipeline.Deps{}, nil, 0)
	if len(w.stack) != DefaultStackBufferSize {
		t.Fatalf("stack len = %d, want %d", len(w.stack), DefaultStackBufferSize)
	}

	w2 := New(0, 1, make(chan vmconfig.WorkerID, 1), st, pipeline.Deps{}, nil, 128)
	if len(w2.stack) != 128 {
		t.Fatalf("stack len = %d, want 128", len(w2.stack))
	}
}

func TestWorkerPostsCompletionEvenOnError(t *testing.T) {
	st := store.NewDirStore(t.TempDir(), 1) // slot 0 never written: LoadProgram fails

	completion := make(chan vmconfig.WorkerID, 1)
	w := New(2, 5, completion, st, pipeline.Deps{Helpers: helper.NewRegistry()}, nil, 0)

	stop := make(chan struct{})
	defer close(stop)
	go w.Run(stop)

	result := make(chan Outcome, 1)
	w.Mailbox() <- Job{
		Request: vmconfig.Request{Config: vmconfig.Config{SUITSlot: 0}},
		Result:  result,
	}

	out := <-result
	if out.Err == nil {
		t.Fatalf("expected an error loading an unwritten slot")
	}

	select {
	case id := <-completion:
		if id != 2 {
			t.Fatalf("got completion from worker %d, want 2", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a completion notification even though the job failed")
	}
}
