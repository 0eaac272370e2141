package executive

import (
	"fmt"
	"sort"
)

// ListTasks returns a snapshot of every live task, ordered by PID, for
// the control plane's `ps`/`info` commands.
func (e *Executive) ListTasks() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// RegisterGet implements `vm_reg_get{reg, pid}` (§4.6): reads one GPR
// from pid's register window without disturbing the currently bound
// VM context.
func (e *Executive) RegisterGet(pid PID, reg int) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return 0, fmt.Errorf("executive: no such pid %d", pid)
	}
	v, ok := t.mem.Read32(t.ctx.RegBase + uint32(reg)*4)
	if !ok {
		return 0, fmt.Errorf("executive: register %d out of range", reg)
	}
	return v, nil
}

// RegisterSet implements `vm_reg_set{reg, value, pid}`.
func (e *Executive) RegisterSet(pid PID, reg int, value uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	if !t.mem.Write32(t.ctx.RegBase+uint32(reg)*4, value) {
		return fmt.Errorf("executive: register %d out of range", reg)
	}
	return nil
}

// Dumpregs implements `dumpregs{pid}`: every GPR plus PC/SP/PSW.
func (e *Executive) Dumpregs(pid PID) (regs [16]uint32, pc, sp uint32, psw uint8, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		err = fmt.Errorf("executive: no such pid %d", pid)
		return
	}
	for i := 0; i < 16; i++ {
		regs[i], _ = t.mem.Read32(t.ctx.RegBase + uint32(i)*4)
	}
	pc = t.ctx.PC
	sp = t.ctx.SP
	psw = uint8(t.ctx.PSW)
	return
}

// Peek implements `peek{pid, addr, length}`: a bounds-checked raw read
// from pid's arena.
func (e *Executive) Peek(pid PID, addr uint32, length int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return nil, fmt.Errorf("executive: no such pid %d", pid)
	}
	out := make([]byte, length)
	for i := 0; i < length; i++ {
		b, ok := t.mem.Read8(addr + uint32(i))
		if !ok {
			return nil, fmt.Errorf("executive: peek out of bounds at %#x", addr+uint32(i))
		}
		out[i] = b
	}
	return out, nil
}

// Poke implements `poke{pid, addr, data}`: a bounds-checked raw write.
func (e *Executive) Poke(pid PID, addr uint32, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	for i, b := range data {
		if !t.mem.Write8(addr+uint32(i), b) {
			return fmt.Errorf("executive: poke out of bounds at %#x", addr+uint32(i))
		}
	}
	return nil
}

// SetTimeSliceWeight backs `sched{pid, quantum}`: it stores weight
// (values <= 0 become 1) in the task's TimeSliceWeight field. The
// scheduler does not read that field: every dispatch runs exactly one
// instruction. Priority is not handled; round robin is the only
// discipline implemented (§4.5).
func (e *Executive) SetTimeSliceWeight(pid PID, weight int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	if weight <= 0 {
		weight = 1
	}
	t.TimeSliceWeight = weight
	return nil
}
