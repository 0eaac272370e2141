package minivm

import "fmt"

// Context is one task's execution window: where its registers and stack
// live, its program counter, and its status word. Context switching is a
// pointer-and-offset swap (§4.2, §4.5) — nothing in the arena is copied.
type Context struct {
	Mem        *Memory
	RegBase    uint32 // address of R0 within Mem; R_n lives at RegBase+4*n
	StackBase  uint32 // initial stack pointer value (stack grows down)
	StackLimit uint32 // lowest legal SP value before StackOverflow faults
	SP         uint32 // current stack pointer
	PC         uint32
	PSW        PSW
	Steps      uint64

	// IsBreakpoint reports whether addr is a breakpoint for the task
	// this context belongs to. Supplied by the executive at SetContext
	// time so the VM never needs its own notion of "current task"
	// (§4.5's breakpoint pre-step check).
	IsBreakpoint func(addr uint32) bool
}

// VM is the MiniVM interpreter (§4.2). It holds no notion of "task" or
// "scheduler" — those are the executive's job; the VM only executes
// instructions against whichever Context is currently bound.
type VM struct {
	ctx *Context

	lastPC     uint32
	lastOpcode Opcode
	lastRegs   [NumRegisters]uint32
	lastMem    MemAccess
}

// New creates an interpreter with no bound context; SetContext must be
// called before Step.
func New() *VM {
	return &VM{}
}

// SetContext binds ctx as the active execution window (§4.2's
// set_context). O(1): no register or memory copying occurs.
func (vm *VM) SetContext(ctx *Context) {
	vm.ctx = ctx
}

// Context returns the currently bound context, or nil if none is set.
func (vm *VM) Context() *Context { return vm.ctx }

// AttachImage installs code and rodata into mem at the conventional
// offsets and zeroes bss (§4.2's attach_image). It does not bind a
// Context or seed a stack pointer — callers construct a Context
// separately (setting SP/StackBase/StackLimit themselves) so the same
// arena layout can be reused across context switches for the same task.
func AttachImage(mem *Memory, code, rodata []byte, bssSize int) error {
	if !mem.CopyIn(0, code) {
		return fmt.Errorf("minivm: code does not fit in arena")
	}
	if !mem.CopyIn(RodataBase, rodata) {
		return fmt.Errorf("minivm: rodata does not fit in arena")
	}
	bssStart := RodataBase + uint32(len(rodata))
	if bssSize > 0 && !mem.Zero(bssStart, bssSize) {
		return fmt.Errorf("minivm: bss does not fit in arena")
	}
	return nil
}

// RegisterRead reads register idx (0..15) via the bound context's arena
// window — the sole path the executive is allowed to use (§4.2).
func (vm *VM) RegisterRead(idx int) (uint32, error) {
	if vm.ctx == nil {
		return 0, fmt.Errorf("minivm: no context bound")
	}
	if idx < 0 || idx >= NumRegisters {
		return 0, fmt.Errorf("minivm: register index %d out of range", idx)
	}
	v, ok := vm.ctx.Mem.Read32(vm.ctx.RegBase + uint32(idx)*4)
	if !ok {
		return 0, fmt.Errorf("minivm: register window out of bounds")
	}
	return v, nil
}

// RegisterWrite writes register idx via the bound context's arena window.
func (vm *VM) RegisterWrite(idx int, v uint32) error {
	if vm.ctx == nil {
		return fmt.Errorf("minivm: no context bound")
	}
	if idx < 0 || idx >= NumRegisters {
		return fmt.Errorf("minivm: register index %d out of range", idx)
	}
	if !vm.ctx.Mem.Write32(vm.ctx.RegBase+uint32(idx)*4, v) {
		return fmt.Errorf("minivm: register window out of bounds")
	}
	return nil
}

// MemoryRead reads width bytes (1, 2, or 4) at addr in the bound
// context's arena.
func (vm *VM) MemoryRead(addr uint32, width int) (uint32, error) {
	if vm.ctx == nil {
		return 0, fmt.Errorf("minivm: no context bound")
	}
	switch width {
	case 1:
		b, ok := vm.ctx.Mem.Read8(addr)
		if !ok {
			return 0, fmt.Errorf("minivm: read8 out of bounds at %#x", addr)
		}
		return uint32(b), nil
	case 2:
		h, ok := vm.ctx.Mem.Read16(addr)
		if !ok {
			return 0, fmt.Errorf("minivm: read16 out of bounds at %#x", addr)
		}
		return uint32(h), nil
	case 4:
		w, ok := vm.ctx.Mem.Read32(addr)
		if !ok {
			return 0, fmt.Errorf("minivm: read32 out of bounds at %#x", addr)
		}
		return w, nil
	default:
		return 0, fmt.Errorf("minivm: unsupported width %d", width)
	}
}

// MemoryWrite writes width bytes (1, 2, or 4) of v at addr in the bound
// context's arena.
func (vm *VM) MemoryWrite(addr uint32, width int, v uint32) error {
	if vm.ctx == nil {
		return fmt.Errorf("minivm: no context bound")
	}
	var ok bool
	switch width {
	case 1:
		ok = vm.ctx.Mem.Write8(addr, byte(v))
	case 2:
		ok = vm.ctx.Mem.Write16(addr, uint16(v))
	case 4:
		ok = vm.ctx.Mem.Write32(addr, v)
	default:
		return fmt.Errorf("minivm: unsupported width %d", width)
	}
	if !ok {
		return fmt.Errorf("minivm: write%d out of bounds at %#x", width*8, addr)
	}
	return nil
}

// LastPC, LastOpcode, LastRegs, and LastMemAccess are populated after
// every Step call for trace polling (§4.2, the control plane's
// trace_step event).
func (vm *VM) LastPC() uint32                 { return vm.lastPC }
func (vm *VM) LastOpcode() Opcode             { return vm.lastOpcode }
func (vm *VM) LastRegs() [NumRegisters]uint32 { return vm.lastRegs }
func (vm *VM) LastMemAccess() MemAccess       { return vm.lastMem }
