// Package interp implements the bytecode interpreter back-end (component
// C5): a register-machine eBPF interpreter bound to a program's bytes and
// the registered helpers.
//
// Grounded on other_examples/c41c7e81_robertodauria-ebpf-vm's register
// file, opcode table and fetch/execute loop, generalized to the fuller
// instruction set (ALU64/ALU32, all JMP variants, all load/store widths,
// CALL helper dispatch, byteswap) that a real on-device interpreter needs
// to run toolchain-emitted programs.
package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/ebpfvm/internal/helper"
	"github.com/tinyrange/ebpfvm/internal/vmconfig"
	"github.com/tinyrange/ebpfvm/internal/vmerrors"
)

const (
	numRegisters  = 11 // R0-R9 general purpose, R10 frame pointer (read-only)
	frameRegister = 10
	stackSize     = 512
)

// addressSpace partitions the interpreter's uint64 "virtual addresses"
// into non-overlapping windows so LDX/STX can tell which backing buffer
// an address falls into without a real MMU. Real interpreters (ubpf,
// rbpf) use the same trick: pick base addresses far enough apart that
// ordinary arithmetic on a valid pointer can't wander into another
// region.
const (
	stackBase  uint64 = 0x7f00_0000_0000
	packetBase uint64 = 0x7e00_0000_0000
)

// Interpreter executes one program. One instance is created per
// execution: the VM selector (vmback.Select) constructs a fresh one for
// every request.
type Interpreter struct {
	program  []byte
	helpers  *helper.Registry
	request  vmconfig.Request

	regs  [numRegisters]uint64
	stack [stackSize]byte

	packet []byte
}

// New constructs an interpreter bound to helpers and the request's
// allowed-helper configuration. Initialize must be called before Verify
// or Execute.
func New(helpers *helper.Registry, req vmconfig.Request) *Interpreter {
	return &Interpreter{helpers: helpers, request: req}
}

// Initialize binds the interpreter to program bytes. The bytes must
// already have had relocations resolved by the caller.
func (it *Interpreter) Initialize(program []byte) error {
	if len(program)%8 != 0 {
		return &vmerrors.ParseError{What: "program length", Cause: fmt.Errorf("length %d is not a multiple of 8", len(program))}
	}
	it.program = program
	it.regs[frameRegister] = stackBase + stackSize
	return nil
}

// ProgramLength returns the length of the bound program in bytes.
func (it *Interpreter) ProgramLength() int { return len(it.program) }

// Verify performs the structural checks the pre-flight verifier can't do
// without decoding instructions: an unsupported LD-class opcode (only
// LDDW is implemented) and a truncated LDDW pair are both rejected
// here, before Execute ever runs the program. The allowed-helpers
// check itself lives in package verify so it can be exercised
// independently of any one back-end.
func (it *Interpreter) Verify() error {
	for pc := 0; pc < len(it.program); pc += 8 {
		ins := DecodeInstruction(it.program[pc : pc+8])
		if ins.Class() == classLD && !ins.IsLDDW() {
			return &vmerrors.VerificationFailed{Reason: fmt.Sprintf("unsupported LD opcode %#x", ins.Opcode), HelperID: -1}
		}
		if int(ins.Dst()) >= numRegisters || int(ins.Src()) >= numRegisters {
			return &vmerrors.VerificationFailed{Reason: fmt.Sprintf("register index out of range at pc=%d", pc), HelperID: -1}
		}
		if ins.IsLDDW() {
			if pc+16 > len(it.program) {
				return &vmerrors.VerificationFailed{Reason: "truncated LDDW at end of program", HelperID: -1}
			}
			pc += 8
		}
	}
	return nil
}

// Execute runs the program with no packet context and returns R0.
func (it *Interpreter) Execute() (uint64, error) {
	return it.run()
}

// ExecuteOnPacket runs the program with R1/R2 set to the packet
// buffer's address/length, for WithAccessToCoapPacket requests. The
// returned value is the packet PDU+payload length the caller should
// use when building its response.
func (it *Interpreter) ExecuteOnPacket(packet []byte) (uint64, error) {
	it.packet = packet
	it.regs[1] = packetBase
	it.regs[2] = uint64(len(packet))
	return it.run()
}

func (it *Interpreter) run() (uint64, error) {
	pc := 0
	steps := 0
	const maxSteps = 1_000_000 // guards against runaway programs in tests; a real
	// device has no explicit timeout on execute and relies on a
	// hardware watchdog reset instead.

	for {
		if pc < 0 || pc+8 > len(it.program) {
			return 0, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("program counter %d out of range", pc)}
		}
		steps++
		if steps > maxSteps {
			return 0, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("exceeded %d instructions without EXIT", maxSteps)}
		}

		ins := DecodeInstruction(it.program[pc : pc+8])

		switch ins.Class() {
		case classALU64, classALU:
			if ins.AluOp() == aluEnd {
				it.execByteswap(ins)
			} else {
				it.execALU(ins, ins.Class() == classALU64)
			}
			pc += 8

		case classJMP, classJMP32:
			if ins.IsExit() {
				return it.regs[0], nil
			}
			if ins.IsCall() {
				if err := it.execCall(ins); err != nil {
					return 0, err
				}
				pc += 8
				continue
			}
			if ins.AluOp() == jmpJA {
				pc += (int(ins.Offset) + 1) * 8
				continue
			}
			taken, err := it.evalJump(ins, ins.Class() == classJMP32)
			if err != nil {
				return 0, err
			}
			if taken {
				pc += (int(ins.Offset) + 1) * 8
			} else {
				pc += 8
			}

		case classLD:
			if !ins.IsLDDW() {
				return 0, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("unsupported LD opcode %#x", ins.Opcode)}
			}
			if pc+16 > len(it.program) {
				return 0, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("truncated LDDW at pc %d", pc)}
			}
			lo := uint32(ins.Imm)
			hi := DecodeInstruction(it.program[pc+8 : pc+16]).Imm
			it.regs[ins.Dst()] = uint64(lo) | uint64(uint32(hi))<<32
			pc += 16

		case classLDX:
			val, err := it.load(it.regs[ins.Src()]+uint64(int64(ins.Offset)), ins.Size())
			if err != nil {
				return 0, err
			}
			it.regs[ins.Dst()] = val
			pc += 8

		case classST:
			if err := it.store(it.regs[ins.Dst()]+uint64(int64(ins.Offset)), ins.Size(), uint64(ins.Imm)); err != nil {
				return 0, err
			}
			pc += 8

		case classSTX:
			if err := it.store(it.regs[ins.Dst()]+uint64(int64(ins.Offset)), ins.Size(), it.regs[ins.Src()]); err != nil {
				return 0, err
			}
			pc += 8

		default:
			return 0, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("unknown instruction class %#x at pc %d", ins.Class(), pc)}
		}
	}
}

func (it *Interpreter) operand(ins Instruction) uint64 {
	if ins.UseReg() {
		return it.regs[ins.Src()]
	}
	return uint64(int64(ins.Imm))
}

func (it *Interpreter) execALU(ins Instruction, is64 bool) {
	dst := ins.Dst()
	a := it.regs[dst]
	b := it.operand(ins)

	shiftMask := uint64(63)
	if !is64 {
		shiftMask = 31
	}

	var r uint64
	switch ins.AluOp() {
	case aluAdd:
		r = a + b
	case aluSub:
		r = a - b
	case aluMul:
		r = a * b
	case aluDiv:
		da, db := a, b
		if !is64 {
			da, db = uint64(uint32(a)), uint64(uint32(b))
		}
		if db == 0 {
			r = 0
		} else {
			r = da / db
		}
	case aluOr:
		r = a | b
	case aluAnd:
		r = a & b
	case aluLsh:
		r = a << (b & shiftMask)
	case aluRsh:
		ra := a
		if !is64 {
			ra = uint64(uint32(a))
		}
		r = ra >> (b & shiftMask)
	case aluNeg:
		r = uint64(-int64(a))
	case aluMod:
		da, db := a, b
		if !is64 {
			da, db = uint64(uint32(a)), uint64(uint32(b))
		}
		if db == 0 {
			r = da
		} else {
			r = da % db
		}
	case aluXor:
		r = a ^ b
	case aluMov:
		r = b
	case aluArsh:
		sa := int64(a)
		if !is64 {
			sa = int64(int32(a))
		}
		r = uint64(sa >> (b & shiftMask))
	default:
		r = a
	}

	if !is64 {
		r = uint64(uint32(r))
	}
	it.regs[dst] = r
}

func (it *Interpreter) execByteswap(ins Instruction) {
	dst := ins.Dst()
	v := it.regs[dst]
	width := uint32(ins.Imm)

	bigEndian := ins.UseReg()
	switch width {
	case 16:
		v16 := uint16(v)
		if bigEndian {
			v16 = v16<<8 | v16>>8
		}
		it.regs[dst] = uint64(v16)
	case 32:
		v32 := uint32(v)
		if bigEndian {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], v32)
			v32 = binary.LittleEndian.Uint32(b[:])
		}
		it.regs[dst] = uint64(v32)
	case 64:
		if bigEndian {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], v)
			v = binary.LittleEndian.Uint64(b[:])
		}
		it.regs[dst] = v
	}
}

// evalJump evaluates a JMP/JMP32 conditional. is32 means the comparison
// is done on the low 32 bits of both operands, per the eBPF ISA's JMP32
// instruction class, rather than the full 64-bit register value.
func (it *Interpreter) evalJump(ins Instruction, is32 bool) (bool, error) {
	a := it.regs[ins.Dst()]
	b := it.operand(ins)

	signedA, signedB := int64(a), int64(b)
	if is32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		signedA, signedB = int64(int32(a)), int64(int32(b))
	}

	switch ins.AluOp() {
	case jmpJEQ:
		return a == b, nil
	case jmpJNE:
		return a != b, nil
	case jmpJGT:
		return a > b, nil
	case jmpJGE:
		return a >= b, nil
	case jmpJLT:
		return a < b, nil
	case jmpJLE:
		return a <= b, nil
	case jmpJSET:
		return a&b != 0, nil
	case jmpJSGT:
		return signedA > signedB, nil
	case jmpJSGE:
		return signedA >= signedB, nil
	case jmpJSLT:
		return signedA < signedB, nil
	case jmpJSLE:
		return signedA <= signedB, nil
	default:
		return false, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("unknown jump op %#x", ins.AluOp())}
	}
}

// execCall dispatches a CALL instruction to the helper registry,
// enforcing the allowed-helper set itself when verification mode is
// None (the deferred trap-at-call-site check).
func (it *Interpreter) execCall(ins Instruction) error {
	id := uint8(ins.Imm)

	if it.request.Config.HelperVerification == vmconfig.HelperVerificationNone {
		if !it.request.AllowsHelper(id) {
			return &vmerrors.ExecutionFailed{
				Kind:  "interpreter",
				Cause: &vmerrors.VerificationFailed{Reason: "helper not in allowed set (trap at call site)", HelperID: int(id)},
			}
		}
	}

	fn, ok := it.helpers.Resolve(id)
	if !ok {
		return &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("no helper registered for id %d", id)}
	}

	var args [5]uint64
	copy(args[:], it.regs[1:6])
	it.regs[0] = fn(args)
	return nil
}

func (it *Interpreter) load(addr uint64, size byte) (uint64, error) {
	buf, off, n, err := it.resolve(addr, size)
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint64(buf[off]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf[off:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf[off:])), nil
	case 8:
		return binary.LittleEndian.Uint64(buf[off:]), nil
	}
	return 0, nil
}

func (it *Interpreter) store(addr uint64, size byte, value uint64) error {
	buf, off, n, err := it.resolve(addr, size)
	if err != nil {
		return err
	}
	switch n {
	case 1:
		buf[off] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf[off:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf[off:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf[off:], value)
	}
	return nil
}

func (it *Interpreter) resolve(addr uint64, size byte) (buf []byte, offset int, n int, err error) {
	n = sizeBytes(size)

	// Compare addr against (end - n) rather than addr+n against end: an
	// untrusted program can set addr near 2^64-1, and addr+n would wrap
	// around and pass a naive check.
	switch {
	case addr >= stackBase && stackBase+stackSize >= uint64(n) && addr <= stackBase+stackSize-uint64(n):
		return it.stack[:], int(addr - stackBase), n, nil
	case it.packet != nil && addr >= packetBase && packetBase+uint64(len(it.packet)) >= uint64(n) && addr <= packetBase+uint64(len(it.packet))-uint64(n):
		return it.packet, int(addr - packetBase), n, nil
	default:
		return nil, 0, 0, &vmerrors.ExecutionFailed{Kind: "interpreter", Cause: fmt.Errorf("memory access out of bounds at %#x (%d bytes)", addr, n)}
	}
}

func sizeBytes(size byte) int {
	switch size {
	case sizeB:
		return 1
	case sizeH:
		return 2
	case sizeW:
		return 4
	case sizeDW:
		return 8
	default:
		return 0
	}
}
