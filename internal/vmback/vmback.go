// Package vmback is the VM back-end selector (component C8): a single
// capability interface implemented by the interpreter and the JIT
// shell, and a Select function that picks between them from a
// request's Target and UseJIT fields.
//
// Grounded on internal/hv/common.go's Hypervisor/VirtualMachine
// capability interfaces and internal/hv/factory's platform-driven
// dispatch, generalized from "pick a hypervisor backend for this
// platform" to "pick an execution backend for this request".
package vmback

import (
	"fmt"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/interp"
	"github.com/tinyrange/ebpfvm/internal/jit"
	"github.com/tinyrange/ebpfvm/internal/jitarena"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
)

// Backend is the capability surface every execution back-end
// implements: initialize, verify, execute, execute_on_packet, and
// program_length, component C5's operation set.
type Backend interface {
	Initialize(program []byte) error
	Verify() error
	Execute() (uint64, error)
	ExecuteOnPacket(packet []byte) (uint64, error)
	ProgramLength() int
}

// jitAdapter bridges jit.Backend's Initialize(program, request)
// signature to the Backend interface's Initialize(program), since the
// JIT shell needs the request to enforce the layout constraint and
// the interpreter needs it for helper verification.
type jitAdapter struct {
	back *jit.Backend
	req  vmconfig.Request
}

func (a *jitAdapter) Initialize(program []byte) error { return a.back.Initialize(program, a.req) }
func (a *jitAdapter) Verify() error                    { return a.back.Verify() }
func (a *jitAdapter) Execute() (uint64, error)          { return a.back.Execute() }
func (a *jitAdapter) ExecuteOnPacket(p []byte) (uint64, error) { return a.back.ExecuteOnPacket(p) }
func (a *jitAdapter) ProgramLength() int               { return a.back.ProgramLength() }
func (a *jitAdapter) Release() error                   { return a.back.Release() }

type interpAdapter struct {
	*interp.Interpreter
}

// Select returns the Backend implementation for req, with Target
// taking precedence over UseJIT: TargetNativeFallback always selects
// the interpreter regardless of UseJIT (there is no separate native
// fallback VM), else UseJIT selects the JIT shell (arena required),
// else the interpreter.
//
// The returned value additionally implements io.Closer-like Release()
// when it wraps the JIT backend, via ReleaseIfNeeded below; callers
// that don't use JIT never need to call it.
func Select(req vmconfig.Request, helpers *helper.Registry, arena *jitarena.Arena, compiler jit.NativeCompiler) (Backend, error) {
	if req.Config.Target == vmconfig.TargetNativeFallback {
		return &interpAdapter{Interpreter: interp.New(helpers, req)}, nil
	}

	if req.Config.UseJIT {
		if arena == nil {
			return nil, fmt.Errorf("vmback: UseJIT set but no JIT arena configured")
		}
		return &jitAdapter{back: jit.NewBackend(arena, compiler, helpers), req: req}, nil
	}

	switch req.Config.Target {
	case vmconfig.TargetInterpreter:
		return &interpAdapter{Interpreter: interp.New(helpers, req)}, nil
	default:
		return nil, fmt.Errorf("vmback: unknown target %s", req.Config.Target)
	}
}

// ReleaseIfNeeded releases any back-end resources (currently: a JIT
// arena slot) held by b. It is always safe to call.
func ReleaseIfNeeded(b Backend) error {
	type releaser interface{ Release() error }
	if r, ok := b.(releaser); ok {
		return r.Release()
	}
	return nil
}
