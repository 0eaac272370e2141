package executive

import "github.com/hanseinar/hsx/internal/minivm"

// StepN implements §4.5's clock modes step(n, pid?): retire exactly n
// instructions, either round-robin across all READY tasks (pid nil)
// or confined to one task (pid non-nil, bypassing the ready ring).
// Returns the number of instructions actually executed, which can be
// less than n if every task blocks or the ring empties.
func (e *Executive) StepN(n int, pid *PID) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	executed := 0
	for i := 0; i < n; i++ {
		if !e.stepOnceLocked(pid) {
			break
		}
		executed++
	}
	return executed
}

// stepOnceLocked executes a single instruction of the next runnable
// task and performs the resulting state transition. Returns false if
// nothing was runnable (ring empty, or the restricted pid isn't
// READY).
func (e *Executive) stepOnceLocked(restrictTo *PID) bool {
	e.pollTimersLocked(e.now())

	var t *Task
	if restrictTo != nil {
		rt, ok := e.tasks[*restrictTo]
		if !ok || (rt.State != StateReady && rt.State != StateRunning) {
			return false
		}
		e.removeFromReadyRing(rt.PID)
		prevPID := e.currentPID
		prevState := rt.State
		if prevState == StateReady {
			e.transition(rt, StateRunning, "dispatch", 0)
		}
		e.vm.SetContext(rt.ctx)
		e.currentPID = rt.PID
		e.events.emit("scheduler", SchedulerEvent{
			PrevPID: prevPID, NextPID: rt.PID, Reason: "dispatch",
			PrevState: prevState, NextState: StateRunning, Source: "manual",
		})
		t = rt
	} else {
		var ok bool
		t, ok = e.dispatchNextLocked("auto")
		if !ok {
			return false
		}
	}

	t.recordHistoryLocked()
	out := e.vm.Step()
	e.checkWatchesLocked(t)

	switch out.Kind {
	case minivm.StepBreakpoint:
		e.transition(t, StatePaused, "debug_break", 0)
		e.events.emit("debug_break", DebugBreakEvent{PID: t.PID, PC: out.BreakAddr, Reason: "BRK"})
		return false

	case minivm.StepFault:
		t.ExitStatus = uint32(out.Fault) + 1 // non-zero: §7's "halts the task ... non-zero status"
		e.events.emit("vm_fault", map[string]any{"pid": t.PID, "fault": out.Fault.String()})
		e.transition(t, StateReturned, "returned", t.ExitStatus)

	case minivm.StepSyscallTrap:
		e.handleSVC(t, out.Trap)
		if t.State == StateRunning {
			e.transition(t, StateReady, "quantum_expired", 0)
			e.enqueueReady(t.PID)
		}

	case minivm.StepHalt:
		t.ExitStatus = out.ExitStatus
		e.transition(t, StateReturned, "returned", out.ExitStatus)

	default: // StepNormal
		e.transition(t, StateReady, "quantum_expired", 0)
		e.enqueueReady(t.PID)
	}

	e.events.emit("trace_step", map[string]any{
		"pid":        t.PID,
		"pc":         e.vm.LastPC(),
		"next_pc":    t.ctx.PC,
		"opcode":     e.vm.LastOpcode(),
		"regs":       e.vm.LastRegs(),
		"mem_access": e.vm.LastMemAccess(),
		"steps":      t.ctx.Steps,
	})
	return true
}
