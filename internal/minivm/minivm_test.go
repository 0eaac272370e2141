package minivm

import "testing"

// ==============================================================================
// Test Helpers
// ==============================================================================

// vmTestRig wraps a VM and its Context for testing, with a small arena and
// a generous stack window.
type vmTestRig struct {
	vm  *VM
	ctx *Context
}

// newVMTestRig creates a VM with a bound context over a fresh arena.
func newVMTestRig() *vmTestRig {
	mem := NewMemory(8192)
	ctx := &Context{
		Mem:        mem,
		RegBase:    0x1000,
		StackBase:  0x0F00,
		StackLimit: 0x0A00,
		SP:         0x0F00,
		PC:         0,
	}
	vm := New()
	vm.SetContext(ctx)
	return &vmTestRig{vm: vm, ctx: ctx}
}

// load writes a sequence of pre-encoded instruction words at address 0.
func (r *vmTestRig) load(words ...uint32) {
	for i, w := range words {
		if !r.ctx.Mem.Write32(uint32(i*4), w) {
			panic("test instruction does not fit in arena")
		}
	}
}

func encode(op Opcode, rd, rs, rt int, imm12 uint16) uint32 {
	return uint32(op)<<24 | uint32(rd&0xF)<<20 | uint32(rs&0xF)<<16 | uint32(rt&0xF)<<12 | uint32(imm12&0xFFF)
}

func (r *vmTestRig) requireReg(t *testing.T, idx int, want uint32) {
	t.Helper()
	got, err := r.vm.RegisterRead(idx)
	if err != nil {
		t.Fatalf("RegisterRead(%d): %v", idx, err)
	}
	if got != want {
		t.Fatalf("R%d = %#x, want %#x", idx, got, want)
	}
}

func (r *vmTestRig) requireFlag(t *testing.T, f StatusFlag, want bool) {
	t.Helper()
	if got := r.ctx.PSW.Has(f); got != want {
		t.Fatalf("flag %v = %v, want %v", f, got, want)
	}
}

// ==============================================================================
// ALU / flags
// ==============================================================================

func TestAddSetsCarryAndZero(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 0xFFFFFFFF)
	r.vm.setReg(2, 1)
	r.load(encode(OpADD, 3, 1, 2, 0))

	out := r.vm.Step()
	if out.Kind != StepNormal {
		t.Fatalf("Step kind = %v, want StepNormal", out.Kind)
	}
	r.requireReg(t, 3, 0)
	r.requireFlag(t, FlagZ, true)
	r.requireFlag(t, FlagC, true)
}

func TestSubNoBorrowSetsCarry(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 5)
	r.vm.setReg(2, 3)
	r.load(encode(OpSUB, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 2)
	r.requireFlag(t, FlagC, true) // no borrow
}

func TestSubBorrowClearsCarry(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 3)
	r.vm.setReg(2, 5)
	r.load(encode(OpSUB, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 0xFFFFFFFE) // 3-5 wraps to -2
	r.requireFlag(t, FlagC, false) // borrow occurred
	r.requireFlag(t, FlagN, true)
}

func TestCmpDiscardsResult(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 7)
	r.vm.setReg(2, 7)
	r.load(encode(OpCMP, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 0) // untouched
	r.requireFlag(t, FlagZ, true)
}

func TestAdcChainsCarry(t *testing.T) {
	r := newVMTestRig()
	r.ctx.PSW.set(FlagC, true)
	r.vm.setReg(1, 1)
	r.vm.setReg(2, 1)
	r.load(encode(OpADC, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 3)
}

func TestMulOverflowSetsCarry(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 0x10000)
	r.vm.setReg(2, 0x10000)
	r.load(encode(OpMUL, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 0)
	r.requireFlag(t, FlagC, true)
}

func TestDivByZeroFaults(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 10)
	r.vm.setReg(2, 0)
	r.load(encode(OpDIV, 3, 1, 2, 0))

	out := r.vm.Step()
	if out.Kind != StepFault || out.Fault != FaultDivZero {
		t.Fatalf("Step() = %+v, want FaultDivZero", out)
	}
}

// ==============================================================================
// Shifts
// ==============================================================================

func TestShiftLeftByZeroLeavesCarryUnchanged(t *testing.T) {
	r := newVMTestRig()
	r.ctx.PSW.set(FlagC, true)
	r.vm.setReg(1, 0x1)
	r.vm.setReg(2, 0)
	r.load(encode(OpLSL, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 0x1)
	r.requireFlag(t, FlagC, true)
}

func TestShiftLeftByThirtyTwoActsAsZero(t *testing.T) {
	r := newVMTestRig()
	r.ctx.PSW.set(FlagC, true)
	r.vm.setReg(1, 0xABCD)
	r.vm.setReg(2, 32)
	r.load(encode(OpLSL, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 0xABCD) // amount % 32 == 0
	r.requireFlag(t, FlagC, true)
}

func TestShiftRightArithmeticSignExtends(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 0xFFFFFFF8) // -8
	r.vm.setReg(2, 1)
	r.load(encode(OpASR, 3, 1, 2, 0))

	r.vm.Step()
	r.requireReg(t, 3, 0xFFFFFFFC) // -4
}

// ==============================================================================
// Loads, stores, immediates
// ==============================================================================

func TestLdi32LoadsFullWordAndAdvancesTwoWords(t *testing.T) {
	r := newVMTestRig()
	r.load(encode(OpLDI32, 1, 0, 0, 0), 0xCAFEBABE, encode(OpHALT, 0, 0, 0, 0))

	r.vm.Step()
	r.requireReg(t, 1, 0xCAFEBABE)
	if r.ctx.PC != 8 {
		t.Fatalf("PC = %#x, want 8 (LDI32 consumes two words)", r.ctx.PC)
	}
}

func TestLdi32StraddlingEndOfCodeFaults(t *testing.T) {
	mem := NewMemory(68) // registers at 0..63, then room for exactly one word
	ctx := &Context{Mem: mem, RegBase: 0, PC: 64}
	vm := New()
	vm.SetContext(ctx)
	mem.Write32(64, encode(OpLDI32, 1, 0, 0, 0))

	out := vm.Step()
	if out.Kind != StepFault || out.Fault != FaultOutOfBounds {
		t.Fatalf("Step() = %+v, want FaultOutOfBounds", out)
	}
}

func TestStoreThenLoadByteSignExtends(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, 0) // base address register
	r.vm.setReg(2, 0xFFFFFFFF) // -1; only the low byte is stored
	r.load(
		encode(OpSTB, 2, 1, 0, 0x100),
		encode(OpLDB, 3, 1, 0, 0x100),
	)

	r.vm.Step()
	r.vm.Step()
	r.requireReg(t, 3, 0xFFFFFFFF) // -1
}

// ==============================================================================
// Control flow
// ==============================================================================

func TestJzTakenWhenZeroSet(t *testing.T) {
	r := newVMTestRig()
	r.ctx.PSW.set(FlagZ, true)
	r.load(encode(OpJZ, 0, 0, 0, 5)) // word-addressed target: byte addr 20

	r.vm.Step()
	if r.ctx.PC != 20 {
		t.Fatalf("PC = %#x, want 20", r.ctx.PC)
	}
}

func TestJnzNotTakenWhenZeroSet(t *testing.T) {
	r := newVMTestRig()
	r.ctx.PSW.set(FlagZ, true)
	r.load(encode(OpJNZ, 0, 0, 0, 5))

	r.vm.Step()
	if r.ctx.PC != 4 {
		t.Fatalf("PC = %#x, want 4 (fallthrough)", r.ctx.PC)
	}
}

func TestCallPushesReturnAddressAndRetRestoresIt(t *testing.T) {
	r := newVMTestRig()
	r.load(
		encode(OpCALL, 0, 0, 0, 2), // word 0: call PC(0)+2*4=8
		encode(OpHALT, 0, 0, 0, 0), // word 1: return lands here
		encode(OpRET, 0, 0, 0, 0),  // word 2 (byte 8): callee
	)

	r.vm.Step() // CALL
	if r.ctx.PC != 8 {
		t.Fatalf("PC after CALL = %#x, want 8", r.ctx.PC)
	}
	if r.ctx.SP != 0x0F00-4 {
		t.Fatalf("SP after CALL = %#x, want %#x", r.ctx.SP, 0x0F00-4)
	}

	r.vm.Step() // RET
	if r.ctx.PC != 4 {
		t.Fatalf("PC after RET = %#x, want 4", r.ctx.PC)
	}
	if r.ctx.SP != 0x0F00 {
		t.Fatalf("SP after RET = %#x, want restored %#x", r.ctx.SP, 0x0F00)
	}
}

func TestCallPastStackLimitFaults(t *testing.T) {
	r := newVMTestRig()
	r.ctx.SP = r.ctx.StackLimit // one more push would cross the limit
	r.load(encode(OpCALL, 0, 0, 0, 1))

	out := r.vm.Step()
	if out.Kind != StepFault || out.Fault != FaultStackOverflow {
		t.Fatalf("Step() = %+v, want FaultStackOverflow", out)
	}
}

// ==============================================================================
// Breakpoints and syscall traps
// ==============================================================================

func TestBreakpointPreemptsExecution(t *testing.T) {
	r := newVMTestRig()
	r.load(encode(OpADD, 1, 0, 0, 0))
	r.ctx.IsBreakpoint = func(addr uint32) bool { return addr == 0 }

	out := r.vm.Step()
	if out.Kind != StepBreakpoint || out.BreakAddr != 0 {
		t.Fatalf("Step() = %+v, want StepBreakpoint at 0", out)
	}
	if r.ctx.PC != 0 {
		t.Fatalf("PC advanced past a breakpoint: %#x", r.ctx.PC)
	}
}

func TestSvcCapturesModuleFuncAndArgsWithR0Cleared(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(0, 0xDEAD) // must be cleared by the trap
	r.vm.setReg(1, 42)
	r.vm.setReg(2, 7)
	r.load(encode(OpSVC, 0, 0, 0, 0x105)) // mod=1, fn=0x05

	out := r.vm.Step()
	if out.Kind != StepSyscallTrap {
		t.Fatalf("Step() kind = %v, want StepSyscallTrap", out.Kind)
	}
	if out.Trap.Module != 1 || out.Trap.Func != 0x05 {
		t.Fatalf("trap = %+v, want module=1 func=0x05", out.Trap)
	}
	if out.Trap.Args[0] != 42 || out.Trap.Args[1] != 7 {
		t.Fatalf("trap args = %v, want [42 7 ...]", out.Trap.Args)
	}
	r.requireReg(t, 0, 0)
}

func TestHaltReportsStatusFromR0(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(0, 42)
	r.load(encode(OpHALT, 0, 0, 0, 0))

	out := r.vm.Step()
	if out.Kind != StepHalt || out.ExitStatus != 42 {
		t.Fatalf("Step() = %+v, want StepHalt with ExitStatus=42", out)
	}
}

func TestUnknownOpcodeFaults(t *testing.T) {
	r := newVMTestRig()
	r.load(0xFF000000) // opcode 0xFF is not assigned

	out := r.vm.Step()
	if out.Kind != StepFault || out.Fault != FaultUnknownOpcode {
		t.Fatalf("Step() = %+v, want FaultUnknownOpcode", out)
	}
}

func TestUnalignedPCFaults(t *testing.T) {
	r := newVMTestRig()
	r.ctx.PC = 1
	r.load(encode(OpNOP, 0, 0, 0, 0))

	out := r.vm.Step()
	if out.Kind != StepFault || out.Fault != FaultUnalignedAccess {
		t.Fatalf("Step() = %+v, want FaultUnalignedAccess", out)
	}
}

// ==============================================================================
// Half-precision float round trips
// ==============================================================================

func TestFloat16RoundTripCommonValues(t *testing.T) {
	cases := []float32{0, 1, -1, 0.5, 2.5, 100, -100, 65504}
	for _, f := range cases {
		h := fromFloat32(f)
		got := h.toFloat32()
		if got != f {
			t.Fatalf("round trip %v -> %#x -> %v, want %v", f, uint16(h), got, f)
		}
	}
}

func TestFAddUsesWiderPrecisionThenNarrows(t *testing.T) {
	r := newVMTestRig()
	r.vm.setReg(1, uint32(fromFloat32(1.5)))
	r.vm.setReg(2, uint32(fromFloat32(2.25)))
	r.load(encode(OpFADD, 3, 1, 2, 0))

	r.vm.Step()
	got, _ := r.vm.RegisterRead(3)
	if half(got).toFloat32() != 3.75 {
		t.Fatalf("FADD result = %v, want 3.75", half(got).toFloat32())
	}
}

// ==============================================================================
// Context isolation across a switch
// ==============================================================================

func TestSetContextSwitchesRegisterWindowWithoutCopying(t *testing.T) {
	a := newVMTestRig()
	a.vm.setReg(1, 111)

	mem2 := NewMemory(8192)
	ctxB := &Context{Mem: mem2, RegBase: 0x1000, SP: 0x0F00, StackBase: 0x0F00}
	a.vm.SetContext(ctxB)
	a.vm.setReg(1, 222)

	got, _ := a.vm.RegisterRead(1)
	if got != 222 {
		t.Fatalf("R1 in context B = %d, want 222", got)
	}

	a.vm.SetContext(a.ctx)
	got, _ = a.vm.RegisterRead(1)
	if got != 111 {
		t.Fatalf("R1 back in context A = %d, want 111 (contexts must not share state)", got)
	}
}
