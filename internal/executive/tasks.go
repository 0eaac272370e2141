package executive

import (
	"fmt"

	"github.com/hanseinar/hsx/internal/minivm"
)

// transition moves task from its current state to to, validating the
// edge against §4.5's table and emitting a task_state event. Callers
// must hold the executive's mutex.
func (e *Executive) transition(t *Task, to TaskState, reason string, status uint32) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("executive: illegal transition %v -> %v for pid %d", t.State, to, t.PID)
	}

	prev := t.State
	t.State = to
	e.events.emit("task_state", TaskStateEvent{
		PID: t.PID, PrevState: prev, NewState: to, Reason: reason, Status: status,
	})

	if to == StateReturned || to == StateKilled {
		e.retireLocked(t)
	}
	return nil
}

// retireLocked removes a terminal task from scheduling structures and
// releases the resources it owned, called once its terminal
// task_state event has been emitted (§4.5's table: "RETURNED/KILLED ->
// removed after terminal task_state event").
func (e *Executive) retireLocked(t *Task) {
	e.removeFromReadyRing(t.PID)
	e.mailboxes.PurgeOwner(uint32(t.PID))
	e.values.ReleaseOwner(uint32(t.PID))
	delete(e.tasks, t.PID)
}

// SetBreakpoint implements §4.5's bp.set: idempotent, at most once per
// address per PID (§8: "bp.set(pid, a) then bp.list(pid) contains a
// exactly once regardless of set repetitions").
func (e *Executive) SetBreakpoint(pid PID, addr uint32) error {
	return e.setBreakpoint(pid, addr, &Breakpoint{})
}

// SetRunUntil implements `bp{op:"run_until", pid, addr}`: a one-shot
// breakpoint that clears itself the moment it fires, so a caller can
// resume past it without a follow-up bp.clear.
func (e *Executive) SetRunUntil(pid PID, addr uint32) error {
	return e.setBreakpoint(pid, addr, &Breakpoint{Temporary: true})
}

// SetConditionalBreakpoint implements `bp.set`'s optional condition
// field: addr only pauses the task once cond evaluates true.
func (e *Executive) SetConditionalBreakpoint(pid PID, addr uint32, cond *Condition) error {
	return e.setBreakpoint(pid, addr, &Breakpoint{Condition: cond})
}

func (e *Executive) setBreakpoint(pid PID, addr uint32, bp *Breakpoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	if len(t.Breakpoints) >= maxBreakpointsPerPID && t.Breakpoints[addr] == nil {
		return fmt.Errorf("executive: breakpoint limit reached for pid %d", pid)
	}
	if t.Breakpoints == nil {
		t.Breakpoints = make(map[uint32]*Breakpoint)
	}
	t.Breakpoints[addr] = bp
	return nil
}

// ClearBreakpoint implements §4.5's bp.clear: removing an address that
// isn't set is not an error (§8's idempotence property).
func (e *Executive) ClearBreakpoint(pid PID, addr uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	delete(t.Breakpoints, addr)
	return nil
}

// ListBreakpoints returns pid's breakpoint addresses.
func (e *Executive) ListBreakpoints(pid PID) ([]uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return nil, fmt.Errorf("executive: no such pid %d", pid)
	}
	addrs := make([]uint32, 0, len(t.Breakpoints))
	for a := range t.Breakpoints {
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// breakpointFiresLocked is the VM's IsBreakpoint predicate: it
// evaluates any attached condition and, for a temporary breakpoint
// that actually fires, removes it immediately so the task's next
// resume runs straight through.
func (t *Task) breakpointFiresLocked(addr uint32) bool {
	bp, ok := t.Breakpoints[addr]
	if !ok {
		return false
	}
	if bp.Condition != nil && !t.evalConditionLocked(bp.Condition) {
		return false
	}
	if bp.Temporary {
		delete(t.Breakpoints, addr)
	}
	return true
}

func (t *Task) evalConditionLocked(c *Condition) bool {
	var actual uint32
	switch {
	case c.Reg != nil:
		actual, _ = t.mem.Read32(t.ctx.RegBase + uint32(*c.Reg)*4)
	case c.Addr != nil:
		actual, _ = t.mem.Read32(*c.Addr)
	default:
		return true
	}
	return c.eval(actual)
}

// recordHistoryLocked appends t's pre-step state to its backstep ring,
// evicting the oldest entry once historyLimit is reached.
func (t *Task) recordHistoryLocked() {
	var regs [16]uint32
	for i := 0; i < 16; i++ {
		regs[i], _ = t.mem.Read32(t.ctx.RegBase + uint32(i)*4)
	}
	snap := Snapshot{Regs: regs, PC: t.ctx.PC, SP: t.ctx.SP, PSW: uint8(t.ctx.PSW), Steps: t.ctx.Steps}
	t.History = append(t.History, snap)
	if len(t.History) > historyLimit {
		t.History = t.History[len(t.History)-historyLimit:]
	}
}

// Backstep implements `backstep{pid, steps}`: rewinds pid's register
// window, PC, SP, and PSW to the state steps entries back in its
// history. steps beyond what's retained rewinds as far as possible.
func (e *Executive) Backstep(pid PID, steps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	if steps <= 0 || len(t.History) == 0 {
		return nil
	}
	idx := len(t.History) - steps
	if idx < 0 {
		idx = 0
	}
	snap := t.History[idx]
	t.History = t.History[:idx]

	for i := 0; i < 16; i++ {
		t.mem.Write32(t.ctx.RegBase+uint32(i)*4, snap.Regs[i])
	}
	t.ctx.PC = snap.PC
	t.ctx.SP = snap.SP
	t.ctx.PSW = minivm.PSW(snap.PSW)
	t.ctx.Steps = snap.Steps
	return nil
}

// maxBreakpointsPerPID and maxWatchesPerPID are §5's resource limits.
const (
	maxBreakpointsPerPID = 100
	maxWatchesPerPID     = 50
)

// SetWatch implements §4.5's watch{op:"set"}.
func (e *Executive) SetWatch(pid PID, expression string, addr uint32, length int) (*Watch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return nil, fmt.Errorf("executive: no such pid %d", pid)
	}
	if len(t.Watches) >= maxWatchesPerPID {
		return nil, fmt.Errorf("executive: watch limit reached for pid %d", pid)
	}
	e.nextWatchID++
	w := &Watch{ID: e.nextWatchID, Expression: expression, Address: addr, Length: length}
	w.LastBytes = e.readWatchBytesLocked(t, w)
	t.Watches = append(t.Watches, w)
	return w, nil
}

// ClearWatch implements §4.5's watch{op:"clear"}.
func (e *Executive) ClearWatch(pid PID, id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	for i, w := range t.Watches {
		if w.ID == id {
			t.Watches = append(t.Watches[:i], t.Watches[i+1:]...)
			return nil
		}
	}
	return nil
}

func (e *Executive) readWatchBytesLocked(t *Task, w *Watch) []byte {
	out := make([]byte, w.Length)
	for i := 0; i < w.Length; i++ {
		b, ok := t.mem.Read8(w.Address + uint32(i))
		if !ok {
			break
		}
		out[i] = b
	}
	return out
}

// checkWatchesLocked compares every watch's bytes after a step and
// emits watch_update on change (§4.5).
func (e *Executive) checkWatchesLocked(t *Task) {
	for _, w := range t.Watches {
		cur := e.readWatchBytesLocked(t, w)
		changed := len(cur) != len(w.LastBytes)
		if !changed {
			for i := range cur {
				if cur[i] != w.LastBytes[i] {
					changed = true
					break
				}
			}
		}
		if changed {
			w.LastBytes = cur
			e.events.emit("watch_update", WatchUpdateEvent{PID: t.PID, Watch: *w})
		}
	}
}
