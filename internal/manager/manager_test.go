package manager

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/pipeline"
	"github.com/tinyrange/ebpfvm/internal/store"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/worker"
)

func exitProgram(imm uint64) []byte {
	prog := make([]byte, 24)
	prog[0] = 0x18
	binary.LittleEndian.PutUint32(prog[4:8], uint32(imm))
	prog[16] = 0x95
	return prog
}

func newTestManager(t *testing.T, n int) (*Manager, func()) {
	t.Helper()
	dir := t.TempDir()
	st := store.NewDirStore(dir, 1)
	if err := st.WriteProgram(0, exitProgram(1)); err != nil {
		t.Fatalf("WriteProgram: %v", err)
	}

	completion := make(chan vmconfig.WorkerID, n)
	workers := make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		workers[i] = worker.New(vmconfig.WorkerID(i), n-i, completion, st, pipeline.Deps{Helpers: helper.NewRegistry()}, nil, 0)
	}

	m := New(workers, completion, nil)
	stop := make(chan struct{})
	for _, w := range workers {
		go w.Run(stop)
	}
	go m.Run(stop)

	return m, func() { close(stop) }
}

func req(result chan Outcome, failed chan error) Request {
	return Request{
		Job: worker.Job{
			Request: vmconfig.Request{Config: vmconfig.Config{Target: vmconfig.TargetInterpreter, SUITSlot: 0}},
			Result:  result,
		},
		Failed: failed,
	}
}

type Outcome = worker.Outcome

func TestDispatchToFreeWorkerAndReclaimOnCompletion(t *testing.T) {
	m, stop := newTestManager(t, 2)
	defer stop()

	if got := m.FreeCount(); got != 2 {
		t.Fatalf("FreeCount() = %d, want 2", got)
	}

	result := make(chan Outcome, 1)
	m.Requests() <- req(result, nil)

	select {
	case out := <-result:
		if out.Err != nil {
			t.Fatalf("unexpected error: %v", out.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for result")
	}

	// The worker posts completion right after sending the result; give
	// the manager's goroutine a moment to process it.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.FreeCount() == 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected free count to return to 2, got %d", m.FreeCount())
}

func TestDispatchFailsWhenNoFreeWorkers(t *testing.T) {
	m, stop := newTestManager(t, 1)
	defer stop()

	// Occupy the only worker with a request whose Result channel is
	// never drained, so it stays "busy" from the manager's perspective
	// until we're done asserting.
	blocker := make(chan Outcome) // unbuffered, never read
	m.Requests() <- req(blocker, nil)

	// Give the dispatch a moment to land before trying a second one.
	time.Sleep(50 * time.Millisecond)

	failed := make(chan error, 1)
	m.Requests() <- req(make(chan Outcome, 1), failed)

	select {
	case err := <-failed:
		if err == nil {
			t.Fatalf("expected ErrNoFreeWorkers")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for no-free-workers response")
	}
}
