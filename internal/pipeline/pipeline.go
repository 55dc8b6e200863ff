// Package pipeline implements the execution pipeline (component C11):
// load → resolve-relocations → verify → execute[/execute_on_packet],
// the one orchestration every worker runs per request.
//
// Grounded on the exact load/resolve/verify/execute step sequence; the
// individual steps are each grounded in their own package (reloc,
// vmback, verify, interp).
package pipeline

import (
	"log/slog"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/jit"
	"github.com/tinyrange/ebpfvm/internal/jitarena"
	"github.com/tinyrange/ebpfvm/internal/reloc"
	"github.com/tinyrange/ebpfvm/internal/vmback"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/verify"
)

// Deps bundles the shared, process-wide collaborators a run needs:
// the helper registry, the JIT arena (nil if JIT is unused by this
// deployment), and an optional native compiler for the JIT back-end.
type Deps struct {
	Helpers  *helper.Registry
	Arena    *jitarena.Arena
	Compiler jit.NativeCompiler
	Logger   *slog.Logger
}

// FullRun executes the pipeline for one request against program
// (the raw bytes loaded from the program store at req.Config.SUITSlot)
// and an optional packet buffer (nil for ShortLived/LongRunning
// requests without packet context). baseAddress is the runtime address
// program[0] will occupy, used only when Layout is RawObjectFile.
func FullRun(req vmconfig.Request, program []byte, baseAddress uint64, packet []byte, deps Deps) (uint64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bytecode, err := resolveProgram(req, program, baseAddress, logger)
	if err != nil {
		return 0, err
	}

	back, err := vmback.Select(req, deps.Helpers, deps.Arena, deps.Compiler)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := vmback.ReleaseIfNeeded(back); err != nil {
			logger.Warn("pipeline: releasing back-end resources", "err", err)
		}
	}()

	if err := back.Initialize(bytecode); err != nil {
		return 0, err
	}

	if req.Config.HelperVerification == vmconfig.HelperVerificationPreFlight {
		if err := verify.CheckHelpers(bytecode, req); err != nil {
			return 0, err
		}
	}

	if err := back.Verify(); err != nil {
		return 0, err
	}

	if packet != nil {
		return back.ExecuteOnPacket(packet)
	}
	return back.Execute()
}

// resolveProgram performs the pipeline's resolve_relocations step:
// a no-op for non-ELF layouts, and the resulting bytecode for
// RawObjectFile is the ELF's .text section rather than the whole
// image, since every back-end's initialize operates on raw
// instruction bytes.
func resolveProgram(req vmconfig.Request, program []byte, baseAddress uint64, logger *slog.Logger) ([]byte, error) {
	if req.Config.Layout != vmconfig.LayoutRawObjectFile {
		return program, nil
	}

	working := make([]byte, len(program))
	copy(working, program)

	if err := reloc.Resolve(working, baseAddress, logger); err != nil {
		return nil, err
	}
	return reloc.ExtractText(working)
}
