// Package manager implements the execution manager (component C10):
// a single goroutine owning the free-worker set, dispatching incoming
// requests to free workers in LIFO order and reclaiming workers on
// completion.
//
// Grounded on internal/ipc/server.go's Server.Serve/handleConn pair,
// whose roles split the same way: one side blocks on a multi-source
// receive and an accept loop, the other does the per-connection/
// per-worker work. Here the "accept loop" collapses into a single
// select between the request channel and the completion channel.
package manager

import (
	"log/slog"

	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/vmerrors"
	"github.com/tinyrange/ebpfvm/internal/worker"
)

// Request is one inbound dispatch request: a job to run, plus the
// channel the manager reports dispatch-time failure on ("no free
// workers"). Job.Result is still how the caller eventually learns the
// execution outcome; Failed only ever carries ErrNoFreeWorkers.
type Request struct {
	Job    worker.Job
	Failed chan<- error
}

// Manager owns the free-worker set. Construct with New, then run it in
// its own goroutine via Run.
type Manager struct {
	workers    []*worker.Worker
	free       []vmconfig.WorkerID // LIFO: last freed is next used
	requests   chan Request
	completion chan vmconfig.WorkerID
	logger     *slog.Logger
}

// New constructs a manager over workers, all initially free. completion
// must be the same channel every worker in workers was constructed
// with.
func New(workers []*worker.Worker, completion chan vmconfig.WorkerID, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	free := make([]vmconfig.WorkerID, len(workers))
	for i, w := range workers {
		free[i] = w.ID
	}
	return &Manager{
		workers:    workers,
		free:       free,
		requests:   make(chan Request),
		completion: completion,
		logger:     logger,
	}
}

// Requests returns the channel callers post dispatch requests to.
func (m *Manager) Requests() chan<- Request { return m.requests }

// FreeCount reports the number of currently-free workers. Exposed for
// tests exercising the steady-state free-count invariant.
func (m *Manager) FreeCount() int { return len(m.free) }

func (m *Manager) indexByID(id vmconfig.WorkerID) int {
	for i, w := range m.workers {
		if w.ID == id {
			return i
		}
	}
	return -1
}

// Run is the manager main loop. It returns when stop is closed.
func (m *Manager) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case req := <-m.requests:
			m.dispatch(req)

		case id := <-m.completion:
			m.reclaim(id)
		}
	}
}

func (m *Manager) dispatch(req Request) {
	if len(m.free) == 0 {
		if req.Failed != nil {
			select {
			case req.Failed <- vmerrors.ErrNoFreeWorkers:
			default:
				m.logger.Error("manager: dropping no-free-workers response, requester unreachable")
			}
		}
		return
	}

	id := m.free[len(m.free)-1]
	m.free = m.free[:len(m.free)-1]

	idx := m.indexByID(id)
	if idx < 0 {
		// Unreachable unless the free set was corrupted; the manager is
		// the set's only writer.
		m.logger.Error("manager: free worker id has no backing worker", "worker", id)
		return
	}

	m.workers[idx].Mailbox() <- req.Job
}

func (m *Manager) reclaim(id vmconfig.WorkerID) {
	if m.indexByID(id) < 0 {
		m.logger.Error("manager: fatal protocol violation",
			"err", &vmerrors.ProtocolViolation{Worker: int(id), Detail: "completion from unknown worker"})
		return
	}
	for _, free := range m.free {
		if free == id {
			m.logger.Error("manager: fatal protocol violation",
				"err", &vmerrors.ProtocolViolation{Worker: int(id), Detail: "completion without prior dispatch"})
			return
		}
	}
	m.free = append(m.free, id)
}
