package executive

import (
	"testing"

	"github.com/hanseinar/hsx/internal/minivm"
)

// TestRunUntilBreakpointClearsItself covers the SUPPLEMENTED FEATURES
// run-until breakpoint: it should pause the task exactly once, and a
// second run past the same address must not stop again.
func TestRunUntilBreakpointClearsItself(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpNOP, 0, 0, 0, 0), // addr 0
		encodeWord(minivm.OpNOP, 0, 0, 0, 0), // addr 4: run-until target
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	pid, err := r.e.LoadImage(minimalImage("runto", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.e.SetRunUntil(pid, 4); err != nil {
		t.Fatalf("set run_until: %v", err)
	}

	executed := r.e.StepN(10, &pid)
	if executed != 1 {
		t.Fatalf("expected exactly 1 instruction before pausing, got %d", executed)
	}
	task, ok := r.e.Task(pid)
	if !ok || task.State != StatePaused {
		t.Fatalf("expected task paused at run_until target, got %+v ok=%v", task, ok)
	}

	if err := r.e.Resume(pid); err != nil {
		t.Fatalf("resume: %v", err)
	}
	executed = r.e.StepN(10, &pid)
	if executed == 0 {
		t.Fatalf("expected task to run past the cleared run_until breakpoint")
	}
	task, ok = r.e.Task(pid)
	if ok && task.State == StatePaused {
		t.Fatalf("run_until breakpoint fired twice, task paused again")
	}
}

// TestConditionalBreakpointOnlyFiresWhenTrue covers conditional
// breakpoints: a register-value condition that never holds must never
// pause the task, even though execution reaches the breakpoint address.
func TestConditionalBreakpointOnlyFiresWhenTrue(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 1), // R1 = 1, addr 0
		encodeWord(minivm.OpHALT, 0, 0, 0, 0), // addr 4: breakpoint target
	)
	pid, err := r.e.LoadImage(minimalImage("cond", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	reg := 1
	cond := &Condition{Reg: &reg, Op: "eq", Value: 99} // never true: R1 is always 1
	if err := r.e.SetConditionalBreakpoint(pid, 4, cond); err != nil {
		t.Fatalf("set conditional bp: %v", err)
	}

	executed := r.e.StepN(10, &pid)
	if executed == 0 {
		t.Fatalf("expected the task to run despite the breakpoint address, since the condition never holds")
	}
	task, ok := r.e.Task(pid)
	if ok && task.State == StatePaused {
		t.Fatalf("conditional breakpoint fired even though its condition was false")
	}
}

// TestBackstepRewindsRegisterWindow covers the backstep/time-travel
// debugging supplement: after two LDI steps, backstep(1) should
// restore R1 to its pre-second-step value.
func TestBackstepRewindsRegisterWindow(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 5),  // R1 = 5
		encodeWord(minivm.OpLDI, 1, 0, 0, 9),  // R1 = 9
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	pid, err := r.e.LoadImage(minimalImage("backstep", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if executed := r.e.StepN(2, &pid); executed != 2 {
		t.Fatalf("expected 2 instructions executed, got %d", executed)
	}
	before, err := r.e.RegisterGet(pid, 1)
	if err != nil {
		t.Fatalf("register get: %v", err)
	}
	if before != 9 {
		t.Fatalf("expected R1=9 before backstep, got %d", before)
	}

	if err := r.e.Backstep(pid, 1); err != nil {
		t.Fatalf("backstep: %v", err)
	}
	after, err := r.e.RegisterGet(pid, 1)
	if err != nil {
		t.Fatalf("register get after backstep: %v", err)
	}
	if after != 5 {
		t.Fatalf("expected R1=5 after rewinding one step, got %d", after)
	}
}
