package interp

// Instruction class (low 3 bits of the opcode byte), per the eBPF ISA.
const (
	classLD    = 0x00
	classLDX   = 0x01
	classST    = 0x02
	classSTX   = 0x03
	classALU   = 0x04
	classJMP   = 0x05
	classJMP32 = 0x06
	classALU64 = 0x07
)

const classMask = 0x07

// ALU/JMP operation (high 4 bits) and source (bit 3: 0=imm, 1=register).
const (
	sourceMask = 0x08
	opMask     = 0xf0
)

const (
	aluAdd  = 0x00
	aluSub  = 0x10
	aluMul  = 0x20
	aluDiv  = 0x30
	aluOr   = 0x40
	aluAnd  = 0x50
	aluLsh  = 0x60
	aluRsh  = 0x70
	aluNeg  = 0x80
	aluMod  = 0x90
	aluXor  = 0xa0
	aluMov  = 0xb0
	aluArsh = 0xc0
	aluEnd  = 0xd0
)

const (
	jmpJA   = 0x00
	jmpJEQ  = 0x10
	jmpJGT  = 0x20
	jmpJGE  = 0x30
	jmpJSET = 0x40
	jmpJNE  = 0x50
	jmpJSGT = 0x60
	jmpJSGE = 0x70
	jmpCALL = 0x80
	jmpEXIT = 0x90
	jmpJLT  = 0xa0
	jmpJLE  = 0xb0
	jmpJSLT = 0xc0
	jmpJSLE = 0xd0
)

// Load/store size (bits 3-4) and addressing mode (bits 5-7).
const (
	sizeMask = 0x18
	sizeW    = 0x00
	sizeH    = 0x08
	sizeB    = 0x10
	sizeDW   = 0x18

	modeMask = 0xe0
	modeIMM  = 0x00
	modeABS  = 0x20
	modeIND  = 0x40
	modeMEM  = 0x60
	modeXADD = 0xc0
)

// OpcodeLDDW is the opcode of the first word of a 16-byte "load 64-bit
// immediate" instruction: class=LD, mode=IMM, size=DW.
const OpcodeLDDW = classLD | modeIMM | sizeDW

const OpcodeCall = classJMP | jmpCALL
const OpcodeExit = classJMP | jmpEXIT

// Instruction is the 8-byte eBPF instruction word, exported so the
// pre-flight verifier can decode CALL instructions without duplicating
// the bit layout.
type Instruction struct {
	Opcode byte
	DstSrc byte
	Offset int16
	Imm    int32
}

// DecodeInstruction decodes one 8-byte instruction word from b.
func DecodeInstruction(b []byte) Instruction {
	return Instruction{
		Opcode: b[0],
		DstSrc: b[1],
		Offset: int16(uint16(b[2]) | uint16(b[3])<<8),
		Imm:    int32(uint32(b[4]) | uint32(b[5])<<8 | uint32(b[6])<<16 | uint32(b[7])<<24),
	}
}

func (i Instruction) Dst() uint8    { return i.DstSrc & 0x0f }
func (i Instruction) Src() uint8    { return (i.DstSrc >> 4) & 0x0f }
func (i Instruction) Class() byte   { return i.Opcode & classMask }
func (i Instruction) AluOp() byte   { return i.Opcode & opMask }
func (i Instruction) UseReg() bool  { return i.Opcode&sourceMask != 0 }
func (i Instruction) Size() byte    { return i.Opcode & sizeMask }
func (i Instruction) Mode() byte    { return i.Opcode & modeMask }
func (i Instruction) IsLDDW() bool  { return i.Opcode == OpcodeLDDW }
func (i Instruction) IsCall() bool  { return i.Opcode == OpcodeCall }
func (i Instruction) IsExit() bool  { return i.Opcode == OpcodeExit }
