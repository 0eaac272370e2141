// Package minivm implements the MiniVM (§4.2): a 16-register,
// word-oriented bytecode interpreter. The VM never touches task,
// scheduling, or syscall semantics directly — the executive drives it
// entirely through the public contract in vm.go, the sole path the
// teacher's CPU emulators exposed to their own debug monitor
// (register_read/write, memory_read/write, never direct field access).
//
// Grounded on the teacher's cpu_ie32.go (register file layout, bounds
// checked memory access, mutex-guarded state) generalized from a
// per-instance fixed register struct to the spec's arena-addressed
// register window, and on cpu_z80.go's flag-setting ALU conventions.
package minivm

// NumRegisters is the width of the general-purpose register window.
const NumRegisters = 16

// DefaultMemorySize is the default linear memory size (§3). New takes
// no size, and nothing in this package reads the constant.
const DefaultMemorySize = 64 * 1024

// RodataBase is the fixed address rodata is mapped at in the default
// memory layout (§3), matching hxe.RodataBase.
const RodataBase = 0x4000

// Opcode identifies a decoded instruction. The exact bit assignment is
// an implementation choice (the distilled spec fixes semantics, not a
// byte-for-byte encoding); see decode.go for the 32-bit word layout and
// DESIGN.md for the encoding rationale.
type Opcode uint8

const (
	OpNOP Opcode = iota
	OpLDI
	OpLDI32
	OpMOV
	OpLD
	OpLDB
	OpLDH
	OpST
	OpSTB
	OpSTH
	OpADD
	OpSUB
	OpCMP
	OpADC
	OpSBC
	OpAND
	OpOR
	OpXOR
	OpNOT
	OpLSL
	OpLSR
	OpASR
	OpMUL
	OpDIV
	OpFADD
	OpFSUB
	OpFMUL
	OpFDIV
	OpI2F
	OpF2I
	OpJMP
	OpJZ
	OpJNZ
	OpCALL
	OpRET
	OpSVC
	OpHALT
)

var opcodeNames = [...]string{
	OpNOP: "NOP", OpLDI: "LDI", OpLDI32: "LDI32", OpMOV: "MOV",
	OpLD: "LD", OpLDB: "LDB", OpLDH: "LDH", OpST: "ST", OpSTB: "STB", OpSTH: "STH",
	OpADD: "ADD", OpSUB: "SUB", OpCMP: "CMP", OpADC: "ADC", OpSBC: "SBC",
	OpAND: "AND", OpOR: "OR", OpXOR: "XOR", OpNOT: "NOT",
	OpLSL: "LSL", OpLSR: "LSR", OpASR: "ASR", OpMUL: "MUL", OpDIV: "DIV",
	OpFADD: "FADD", OpFSUB: "FSUB", OpFMUL: "FMUL", OpFDIV: "FDIV",
	OpI2F: "I2F", OpF2I: "F2I",
	OpJMP: "JMP", OpJZ: "JZ", OpJNZ: "JNZ", OpCALL: "CALL", OpRET: "RET",
	OpSVC: "SVC", OpHALT: "HALT",
}

// String returns the instruction mnemonic, used by the disassembler
// facade and trace output.
func (o Opcode) String() string {
	if int(o) < len(opcodeNames) && opcodeNames[o] != "" {
		return opcodeNames[o]
	}
	return "???"
}

// DecodedInstruction is the exported view of one fetched instruction
// word, for disassembly outside this package.
type DecodedInstruction struct {
	Opcode Opcode
	Rd, Rs, Rt int
	Imm12  uint16
}

// Decode exposes the instruction decoder for disassemblers and other
// tooling that must interpret a raw word without stepping the VM.
func Decode(word uint32) DecodedInstruction {
	d := decode(word)
	return DecodedInstruction{Opcode: d.opcode, Rd: d.rd, Rs: d.rs, Rt: d.rt, Imm12: d.imm12}
}

// SignExtend12 exposes the 12-bit sign extension used for immediate
// operands, for disassembly of LDI/branch/CALL targets.
func SignExtend12(v uint16) int32 { return signExtend12(v) }

// StatusFlag is one bit of the PSW (§3).
type StatusFlag uint8

const (
	FlagZ StatusFlag = 1 << iota
	FlagC
	FlagN
	FlagV
)

// PSW is the processor status word: flags Z/C/N/V packed into one byte.
type PSW uint8

func (p PSW) Has(f StatusFlag) bool { return uint8(p)&uint8(f) != 0 }

func (p *PSW) set(f StatusFlag, v bool) {
	if v {
		*p |= PSW(f)
	} else {
		*p &^= PSW(f)
	}
}

// FaultKind enumerates the taxonomy in §4.2/§7.
type FaultKind int

const (
	FaultDivZero FaultKind = iota
	FaultUnknownOpcode
	FaultUnalignedAccess
	FaultOutOfBounds
	FaultStackOverflow
)

func (f FaultKind) String() string {
	switch f {
	case FaultDivZero:
		return "div_zero"
	case FaultUnknownOpcode:
		return "unknown_opcode"
	case FaultUnalignedAccess:
		return "unaligned"
	case FaultOutOfBounds:
		return "oob"
	case FaultStackOverflow:
		return "stack_overflow"
	default:
		return "fault"
	}
}

// HaltReason enumerates why stepping stopped without a fault.
type HaltReason int

const (
	HaltExit HaltReason = iota
)

// SyscallTrap is the payload of a StepOutcome carrying an SVC (§4.2).
type SyscallTrap struct {
	Module byte
	Func   byte
	Args   [5]uint32 // R1..R5, captured at trap time
}

// MemAccess records the last memory access for trace polling (§6's
// trace_step event shape).
type MemAccess struct {
	Op      string // "read" | "write"
	Address uint32
	Width   int
	Value   uint32
}

// StepOutcome is the sum type returned from Step (§4.2).
type StepOutcome struct {
	Kind        StepKind
	BreakAddr   uint32
	Trap        SyscallTrap
	HaltReason  HaltReason
	ExitStatus  uint32
	Fault       FaultKind
}

// StepKind discriminates StepOutcome's variant.
type StepKind int

const (
	StepNormal StepKind = iota
	StepBreakpoint
	StepSyscallTrap
	StepHalt
	StepFault
)
