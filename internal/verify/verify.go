// Package verify implements the pre-flight verifier (component C4): a
// single linear scan over a program's instructions that checks every
// CALL references a helper ID in the request's allowed set, without
// executing anything.
//
// Grounded on internal/hv/common.go's verification step
// (hv.VirtualMachine implementations reject illegal state before
// running), generalized here to a static bytecode scan, and reuses
// interp's instruction decoding (internal/interp/opcodes.go) so the
// opcode bit layout is defined in exactly one place.
package verify

import (
	"github.com/tinyrange/ebpfvm/internal/interp"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/vmerrors"
)

// CheckHelpers scans program for CALL instructions and returns a
// *vmerrors.VerificationFailed naming the first helper ID outside
// req.AllowedHelpers. Callers only invoke this when
// req.Config.HelperVerification is HelperVerificationPreFlight; with
// HelperVerificationNone the check is deferred to the back-end's
// trap-at-call-site behavior instead.
func CheckHelpers(program []byte, req vmconfig.Request) error {
	if len(program)%8 != 0 {
		return &vmerrors.VerificationFailed{Reason: "program length is not a multiple of 8", HelperID: -1}
	}

	for pc := 0; pc < len(program); pc += 8 {
		ins := interp.DecodeInstruction(program[pc : pc+8])

		if ins.IsLDDW() {
			if pc+16 > len(program) {
				return &vmerrors.VerificationFailed{Reason: "truncated LDDW pair", HelperID: -1}
			}
			pc += 8
			continue
		}

		if ins.IsCall() {
			id := uint8(ins.Imm)
			if !req.AllowsHelper(id) {
				return &vmerrors.VerificationFailed{Reason: "call to helper outside allowed set", HelperID: int(id)}
			}
		}
	}

	return nil
}
