package minivm

// Step executes exactly one instruction against the bound context and
// reports what happened (§4.2's step contract). It never advances PC
// past a breakpoint or fault; SVC and HALT retire and leave PC at the
// next word. The executive decides what to do next.
func (vm *VM) Step() StepOutcome {
	ctx := vm.ctx
	if ctx == nil {
		return StepOutcome{Kind: StepFault, Fault: FaultOutOfBounds}
	}

	if ctx.IsBreakpoint != nil && ctx.IsBreakpoint(ctx.PC) {
		return StepOutcome{Kind: StepBreakpoint, BreakAddr: ctx.PC}
	}

	if ctx.PC%4 != 0 {
		return vm.fault(FaultUnalignedAccess)
	}

	word, ok := ctx.Mem.Read32(ctx.PC)
	if !ok {
		return vm.fault(FaultOutOfBounds)
	}
	d := decode(word)

	vm.lastPC = ctx.PC
	vm.lastOpcode = d.opcode
	vm.lastMem = MemAccess{}

	nextPC := ctx.PC + 4
	var outcome StepOutcome
	outcome.Kind = StepNormal

	switch d.opcode {
	case OpNOP:
		// no-op

	case OpLDI:
		vm.setReg(d.rd, uint32(signExtend12(d.imm12)))

	case OpLDI32:
		word2, ok := ctx.Mem.Read32(nextPC)
		if !ok {
			return vm.fault(FaultOutOfBounds)
		}
		vm.setReg(d.rd, word2)
		nextPC += 4

	case OpMOV:
		vm.setReg(d.rd, vm.reg(d.rs))

	case OpLD, OpLDB, OpLDH:
		addr := uint32(int32(vm.reg(d.rs)) + signExtend12(d.imm12))
		v, width, faulted := vm.loadSized(d.opcode, addr)
		if faulted {
			return vm.fault(FaultOutOfBounds)
		}
		vm.setReg(d.rd, v)
		vm.lastMem = MemAccess{Op: "read", Address: addr, Width: width, Value: v}

	case OpST, OpSTB, OpSTH:
		addr := uint32(int32(vm.reg(d.rs)) + signExtend12(d.imm12))
		v := vm.reg(d.rd)
		width, faulted := vm.storeSized(d.opcode, addr, v)
		if faulted {
			return vm.fault(FaultOutOfBounds)
		}
		vm.lastMem = MemAccess{Op: "write", Address: addr, Width: width, Value: v}

	case OpADD:
		res, c, v := aluAdd(vm.reg(d.rs), vm.reg(d.rt), 0)
		setArith(&ctx.PSW, res, c, v)
		vm.setReg(d.rd, res)

	case OpSUB:
		res, c, v := aluAdd(vm.reg(d.rs), ^vm.reg(d.rt), 1)
		setArith(&ctx.PSW, res, c, v)
		vm.setReg(d.rd, res)

	case OpCMP:
		res, c, v := aluAdd(vm.reg(d.rs), ^vm.reg(d.rt), 1)
		setArith(&ctx.PSW, res, c, v)

	case OpADC:
		res, c, v := aluAdd(vm.reg(d.rs), vm.reg(d.rt), carryBit(ctx.PSW))
		setArith(&ctx.PSW, res, c, v)
		vm.setReg(d.rd, res)

	case OpSBC:
		res, c, v := aluAdd(vm.reg(d.rs), ^vm.reg(d.rt), carryBit(ctx.PSW))
		setArith(&ctx.PSW, res, c, v)
		vm.setReg(d.rd, res)

	case OpAND:
		res := vm.reg(d.rs) & vm.reg(d.rt)
		setLogical(&ctx.PSW, res)
		vm.setReg(d.rd, res)

	case OpOR:
		res := vm.reg(d.rs) | vm.reg(d.rt)
		setLogical(&ctx.PSW, res)
		vm.setReg(d.rd, res)

	case OpXOR:
		res := vm.reg(d.rs) ^ vm.reg(d.rt)
		setLogical(&ctx.PSW, res)
		vm.setReg(d.rd, res)

	case OpNOT:
		res := ^vm.reg(d.rs)
		setLogical(&ctx.PSW, res)
		vm.setReg(d.rd, res)

	case OpLSL:
		res, lastOut := shiftLeft(vm.reg(d.rs), vm.reg(d.rt))
		vm.shiftFlags(res, vm.reg(d.rt), lastOut)
		vm.setReg(d.rd, res)

	case OpLSR:
		res, lastOut := shiftRightLogical(vm.reg(d.rs), vm.reg(d.rt))
		vm.shiftFlags(res, vm.reg(d.rt), lastOut)
		vm.setReg(d.rd, res)

	case OpASR:
		res, lastOut := shiftRightArithmetic(int32(vm.reg(d.rs)), vm.reg(d.rt))
		vm.shiftFlags(uint32(res), vm.reg(d.rt), lastOut)
		vm.setReg(d.rd, uint32(res))

	case OpMUL:
		a, b := vm.reg(d.rs), vm.reg(d.rt)
		full := uint64(a) * uint64(b)
		res := uint32(full)
		ctx.PSW.set(FlagC, full>>32 != 0)
		signedFull := int64(int32(a)) * int64(int32(b))
		ctx.PSW.set(FlagV, signedFull != int64(int32(res)))
		ctx.PSW.set(FlagZ, res == 0)
		ctx.PSW.set(FlagN, int32(res) < 0)
		vm.setReg(d.rd, res)

	case OpDIV:
		a, b := int32(vm.reg(d.rs)), int32(vm.reg(d.rt))
		if b == 0 {
			vm.setReg(0, uint32(FaultDivZero))
			return vm.fault(FaultDivZero)
		}
		res := uint32(a / b)
		setLogical(&ctx.PSW, res)
		vm.setReg(d.rd, res)

	case OpFADD:
		res := fromFloat32(half(vm.reg(d.rs)).toFloat32() + half(vm.reg(d.rt)).toFloat32())
		vm.setReg(d.rd, uint32(res))

	case OpFSUB:
		res := fromFloat32(half(vm.reg(d.rs)).toFloat32() - half(vm.reg(d.rt)).toFloat32())
		vm.setReg(d.rd, uint32(res))

	case OpFMUL:
		res := fromFloat32(half(vm.reg(d.rs)).toFloat32() * half(vm.reg(d.rt)).toFloat32())
		vm.setReg(d.rd, uint32(res))

	case OpFDIV:
		res := fromFloat32(half(vm.reg(d.rs)).toFloat32() / half(vm.reg(d.rt)).toFloat32())
		vm.setReg(d.rd, uint32(res))

	case OpI2F:
		res := fromFloat32(float32(int32(vm.reg(d.rs))))
		vm.setReg(d.rd, uint32(res))

	case OpF2I:
		f := half(vm.reg(d.rs)).toFloat32()
		vm.setReg(d.rd, uint32(int32(f)))

	case OpJMP:
		nextPC = uint32(d.imm12) << 2

	case OpJZ:
		if ctx.PSW.Has(FlagZ) {
			nextPC = uint32(d.imm12) << 2
		}

	case OpJNZ:
		if !ctx.PSW.Has(FlagZ) {
			nextPC = uint32(d.imm12) << 2
		}

	case OpCALL:
		target := uint32(int32(ctx.PC) + signExtend12(d.imm12)<<2)
		newSP := ctx.SP - 4
		if newSP < ctx.StackLimit {
			return vm.fault(FaultStackOverflow)
		}
		if !ctx.Mem.Write32(newSP, nextPC) {
			return vm.fault(FaultOutOfBounds)
		}
		ctx.SP = newSP
		nextPC = target

	case OpRET:
		ret, ok := ctx.Mem.Read32(ctx.SP)
		if !ok {
			return vm.fault(FaultOutOfBounds)
		}
		ctx.SP += 4
		nextPC = ret

	case OpSVC:
		mod := byte((d.imm12 >> 8) & 0xF)
		fn := byte(d.imm12 & 0xFF)
		vm.setReg(0, 0)
		trap := SyscallTrap{Module: mod, Func: fn}
		for i := 0; i < 5; i++ {
			trap.Args[i] = vm.reg(i + 1)
		}
		ctx.PC = nextPC
		ctx.Steps++
		vm.snapshotRegs()
		return StepOutcome{Kind: StepSyscallTrap, Trap: trap}

	case OpHALT:
		status := vm.reg(0)
		ctx.PC = nextPC
		ctx.Steps++
		vm.snapshotRegs()
		return StepOutcome{Kind: StepHalt, HaltReason: HaltExit, ExitStatus: status}

	default:
		return vm.fault(FaultUnknownOpcode)
	}

	ctx.PC = nextPC
	ctx.Steps++
	vm.snapshotRegs()
	return outcome
}

func (vm *VM) fault(kind FaultKind) StepOutcome {
	vm.snapshotRegs()
	return StepOutcome{Kind: StepFault, Fault: kind}
}

// reg/setReg bypass the bounds-checked public API: Step already knows
// the context is bound and idx is a valid 4-bit field, so the only way
// either call could fail is a corrupt RegBase, which is a programming
// error worth a panic rather than a fabricated fault.
func (vm *VM) reg(idx int) uint32 {
	v, err := vm.RegisterRead(idx)
	if err != nil {
		panic(err)
	}
	return v
}

func (vm *VM) setReg(idx int, v uint32) {
	if err := vm.RegisterWrite(idx, v); err != nil {
		panic(err)
	}
}

func (vm *VM) snapshotRegs() {
	for i := 0; i < NumRegisters; i++ {
		vm.lastRegs[i] = vm.reg(i)
	}
}

// shiftFlags applies the shift-specific flag rule (§4.2): Z/N always
// set from the result, V always cleared, C updated only when amount is
// non-zero (a zero-amount shift leaves C untouched).
func (vm *VM) shiftFlags(res uint32, amount uint32, lastOut bool) {
	psw := &vm.ctx.PSW
	psw.set(FlagZ, res == 0)
	psw.set(FlagN, int32(res) < 0)
	psw.set(FlagV, false)
	if amount%32 != 0 {
		psw.set(FlagC, lastOut)
	}
}

// loadSized performs the width-appropriate load and sign/zero-extends
// per opcode: LDB sign-extends a byte, LDH sign-extends a halfword, LD
// loads a full word.
func (vm *VM) loadSized(op Opcode, addr uint32) (v uint32, width int, faulted bool) {
	switch op {
	case OpLDB:
		b, ok := vm.ctx.Mem.Read8(addr)
		if !ok {
			return 0, 1, true
		}
		return uint32(int32(int8(b))), 1, false
	case OpLDH:
		h, ok := vm.ctx.Mem.Read16(addr)
		if !ok {
			return 0, 2, true
		}
		return uint32(int32(int16(h))), 2, false
	default: // OpLD
		w, ok := vm.ctx.Mem.Read32(addr)
		if !ok {
			return 0, 4, true
		}
		return w, 4, false
	}
}

func (vm *VM) storeSized(op Opcode, addr uint32, v uint32) (width int, faulted bool) {
	switch op {
	case OpSTB:
		return 1, !vm.ctx.Mem.Write8(addr, byte(v))
	case OpSTH:
		return 2, !vm.ctx.Mem.Write16(addr, uint16(v))
	default: // OpST
		return 4, !vm.ctx.Mem.Write32(addr, v)
	}
}
