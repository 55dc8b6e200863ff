// Package worker implements the worker pool (component C9): fixed,
// long-lived goroutines, each with its own stack-local scratch buffer,
// driven by a per-worker mailbox channel and reporting completion
// through a shared channel back to the manager.
//
// Grounded on internal/ipc/server.go's handleConn, a
// one-goroutine-per-connection loop that blocks for one message,
// processes it, and loops. Generalized from one goroutine per network
// connection to one goroutine per fixed worker slot, with the mailbox
// being an in-process channel instead of a socket.
package worker

import (
	"log/slog"

	"github.com/tinyrange/ebpfvm/internal/pipeline"
	"github.com/tinyrange/ebpfvm/internal/store"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
)

// DefaultStackBufferSize is used when New is given a non-positive
// bufferSize, mirroring the embedded target's stack-local buffer of
// fixed size with a sane size when no DaemonConfig value is supplied
// (e.g. in tests).
const DefaultStackBufferSize = 4096

// Job is one unit of work posted to a worker's mailbox.
type Job struct {
	Request     vmconfig.Request
	BaseAddress uint64
	Packet      []byte

	// Result receives exactly one value: the pipeline's outcome. The
	// manager (or whichever caller constructed the job) owns reading it.
	Result chan<- Outcome
}

// Outcome is what a worker reports back for one job, before the
// worker posts its own completion notification to the manager.
type Outcome struct {
	Value uint64
	Err   error
}

// Worker is one long-lived goroutine in the pool. Priority is carried
// only for its documented purpose of deterministic cooperative
// tie-breaking; this implementation runs on the Go scheduler, which
// preempts fairly, so Priority is informational rather than
// load-bearing.
type Worker struct {
	ID       vmconfig.WorkerID
	Priority int

	mailbox    chan Job
	completion chan<- vmconfig.WorkerID
	stack      []byte

	store  store.ProgramStore
	deps   pipeline.Deps
	logger *slog.Logger
}

// New constructs a worker with a scratch buffer of bufferSize bytes
// (DaemonConfig's ProgramBufferSize; DefaultStackBufferSize is used
// when bufferSize <= 0). Run must be started in its own goroutine.
func New(id vmconfig.WorkerID, priority int, completion chan<- vmconfig.WorkerID, st store.ProgramStore, deps pipeline.Deps, logger *slog.Logger, bufferSize int) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = DefaultStackBufferSize
	}
	return &Worker{
		ID:         id,
		Priority:   priority,
		mailbox:    make(chan Job, 1),
		completion: completion,
		stack:      make([]byte, bufferSize),
		store:      st,
		deps:       deps,
		logger:     logger,
	}
}

// Mailbox returns the channel the manager posts jobs to. Buffered to
// one slot, matching the state machine's invariant that a worker is
// never dispatched to while Busy.
func (w *Worker) Mailbox() chan<- Job { return w.mailbox }

// Run is the worker main loop: wait for one job, load bytecode into
// the stack-local buffer, run the pipeline, report the outcome, then
// post completion. It never returns until stop is closed.
func (w *Worker) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case job := <-w.mailbox:
			w.handle(job)
		}
	}
}

func (w *Worker) handle(job Job) {
	outcome := w.runJob(job)

	if job.Result != nil {
		job.Result <- outcome
	}

	// A worker that traps must still post completion: this happens
	// unconditionally, independent of outcome.Err.
	select {
	case w.completion <- w.ID:
	default:
		// A full completion channel means the manager is not draining
		// it, a fatal protocol violation: log it loudly, then block until
		// the manager takes the notification.
		w.logger.Error("worker: completion channel full, manager may be stuck", "worker", w.ID)
		w.completion <- w.ID
	}
}

func (w *Worker) runJob(job Job) Outcome {
	program, err := w.store.LoadProgram(w.stack, job.Request.Config.SUITSlot)
	if err != nil {
		return Outcome{Err: err}
	}

	value, err := pipeline.FullRun(job.Request, program, job.BaseAddress, job.Packet, w.deps)
	return Outcome{Value: value, Err: err}
}
