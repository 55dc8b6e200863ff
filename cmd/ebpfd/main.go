// Command ebpfd is the on-device eBPF execution daemon: it owns the
// worker pool, the JIT slot arena, and the admin-socket listener, and
// dispatches each decoded VM_EXEC_REQUEST through the execution
// pipeline.
//
// Structured after cmd/cc/main.go's run()-returns-error-then-main()-
// translates-to-exit-code shape, and internal/cmd/oci/main.go's
// flag-driven single-binary daemon entry point.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyrange/ebpfvm/internal/daemonconfig"
	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/jit"
	"github.com/tinyrange/ebpfvm/internal/jitarena"
	"github.com/tinyrange/ebpfvm/internal/manager"
	"github.com/tinyrange/ebpfvm/internal/pipeline"
	"github.com/tinyrange/ebpfvm/internal/rpc"
	"github.com/tinyrange/ebpfvm/internal/store"
	"github.com/tinyrange/ebpfvm/internal/timing"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/wire"
	"github.com/tinyrange/ebpfvm/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ebpfd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to the daemon's YAML configuration file")
	socketOverride := flag.String("socket", "", "Override the configured admin socket path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := daemonconfig.Default()
	if *configPath != "" {
		loaded, err := daemonconfig.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if *socketOverride != "" {
		cfg.SocketPath = *socketOverride
	}

	if err := os.MkdirAll(cfg.StoreDir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	helpers := helper.NewRegistry()
	var lastPacketLen int
	if err := helper.RegisterBuiltins(helpers, func() int { return lastPacketLen }, logger); err != nil {
		return fmt.Errorf("register built-in helpers: %w", err)
	}

	arena, err := jitarena.New(cfg.JITSlotCount, cfg.JITSlotSize)
	if err != nil {
		return fmt.Errorf("create JIT arena: %w", err)
	}
	defer arena.Close()

	st := store.NewDirStore(cfg.StoreDir, cfg.SUITSlotCount)

	deps := pipeline.Deps{
		Helpers:  helpers,
		Arena:    arena,
		Compiler: jit.PassthroughCompiler{},
		Logger:   logger,
	}

	completion := make(chan vmconfig.WorkerID, cfg.WorkerCount)
	workers := make([]*worker.Worker, cfg.WorkerCount)
	for i := range workers {
		priority := cfg.WorkerPriorityBase + i
		workers[i] = worker.New(vmconfig.WorkerID(i), priority, completion, st, deps, logger, cfg.ProgramBufferSize)
	}

	mgr := manager.New(workers, completion, logger)

	stop := make(chan struct{})
	for _, w := range workers {
		go w.Run(stop)
	}
	go mgr.Run(stop)

	dispatch := func(payload []byte) ([]byte, error) {
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			return nil, err
		}

		result := make(chan worker.Outcome, 1)
		failed := make(chan error, 1)

		sw := timing.Start()
		mgr.Requests() <- manager.Request{
			Job:    worker.Job{Request: req, Result: result},
			Failed: failed,
		}

		select {
		case out := <-result:
			resp := wire.Response{Result: int64(out.Value)}
			if req.Config.Benchmark {
				resp.ExecutionTime = sw.ElapsedMicros()
				resp.HasExecutionTime = true
			}
			if out.Err != nil {
				return nil, out.Err
			}
			return resp.Encode(), nil
		case err := <-failed:
			return nil, err
		}
	}

	srv, err := rpc.NewServer(cfg.SocketPath, dispatch, logger)
	if err != nil {
		close(stop)
		return fmt.Errorf("start rpc server: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	logger.Info("ebpfd: listening", "socket", cfg.SocketPath, "workers", cfg.WorkerCount, "jit_slots", cfg.JITSlotCount)

	select {
	case <-sig:
		logger.Info("ebpfd: shutting down")
	case err := <-serveErr:
		if err != nil {
			close(stop)
			return fmt.Errorf("rpc serve: %w", err)
		}
	}

	close(stop)
	if err := srv.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close rpc server: %w", err)
	}

	// Give in-flight worker goroutines a moment to observe stop before
	// the process exits from under them.
	time.Sleep(10 * time.Millisecond)
	return nil
}
