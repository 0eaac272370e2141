package executive

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hanseinar/hsx/internal/hsxlog"
	"github.com/hanseinar/hsx/internal/hxe"
	"github.com/hanseinar/hsx/internal/mailbox"
	"github.com/hanseinar/hsx/internal/minivm"
	"github.com/hanseinar/hsx/internal/registry"
)

// execTestRig wires an Executive over a fake clock so sleep/timeout
// tests are deterministic, mirroring the teacher's rig-based style.
type execTestRig struct {
	e    *Executive
	fake time.Time
}

func newExecTestRig() *execTestRig {
	e := New(hsxlog.New(io.Discard, slog.LevelError, hsxlog.FormatText), mailbox.ProfileDesktop, registry.ProfileDesktop)
	r := &execTestRig{e: e, fake: time.Unix(1_700_000_000, 0)}
	e.now = func() time.Time { return r.fake }
	return r
}

func (r *execTestRig) advance(d time.Duration) { r.fake = r.fake.Add(d) }

func encodeWord(op minivm.Opcode, rd, rs, rt int, imm12 uint16) uint32 {
	return uint32(op)<<24 | uint32(rd&0xF)<<20 | uint32(rs&0xF)<<16 | uint32(rt&0xF)<<12 | uint32(imm12&0xFFF)
}

func wordsToBytes(words ...uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		out[i*4] = byte(w)
		out[i*4+1] = byte(w >> 8)
		out[i*4+2] = byte(w >> 16)
		out[i*4+3] = byte(w >> 24)
	}
	return out
}

func minimalImage(appName string, allowMulti bool, code []byte) *hxe.Image {
	return &hxe.Image{
		Version:                2,
		Entry:                  0,
		AppName:                appName,
		AllowMultipleInstances: allowMulti,
		Code:                   code,
		Rodata:                 nil,
		BssSize:                0,
	}
}

// TestLoadImageSingleInstancePolicy covers §8 scenario 6: a second load
// of the same app_name without AllowMultipleInstances is rejected; with
// it, the second instance is named "<app>_#1".
func TestLoadImageSingleInstancePolicy(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(encodeWord(minivm.OpHALT, 0, 0, 0, 0))

	_, err := r.e.LoadImage(minimalImage("demo", false, code))
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	if _, err := r.e.LoadImage(minimalImage("demo", false, code)); err != ErrInstanceExists {
		t.Fatalf("second load without AllowMultipleInstances: got %v, want ErrInstanceExists", err)
	}

	pid2, err := r.e.LoadImage(minimalImage("demo", true, code))
	if err != nil {
		t.Fatalf("second load with AllowMultipleInstances: %v", err)
	}
	task2, _ := r.e.Task(pid2)
	if task2.AppName != "demo_#1" {
		t.Fatalf("AppName = %q, want %q", task2.AppName, "demo_#1")
	}
}

// TestStepNRoundRobinIsolatesRegisterWindows confirms two concurrently
// loaded tasks never see each other's registers across context
// switches (§8's context-switch property).
func TestStepNRoundRobinIsolatesRegisterWindows(t *testing.T) {
	r := newExecTestRig()
	// LDI R1, <imm>; HALT
	codeA := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 11),
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	codeB := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 22),
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)

	pidA, err := r.e.LoadImage(minimalImage("", false, codeA))
	if err != nil {
		t.Fatalf("load A: %v", err)
	}
	pidB, err := r.e.LoadImage(minimalImage("", false, codeB))
	if err != nil {
		t.Fatalf("load B: %v", err)
	}

	// Step each task's first instruction only, interleaved, and confirm
	// neither task's R1 leaks into the other.
	if executed := r.e.StepN(1, &pidA); executed != 1 {
		t.Fatalf("StepN(pidA) executed = %d, want 1", executed)
	}
	if executed := r.e.StepN(1, &pidB); executed != 1 {
		t.Fatalf("StepN(pidB) executed = %d, want 1", executed)
	}

	r.e.mu.Lock()
	taskA := r.e.tasks[pidA]
	taskB := r.e.tasks[pidB]
	regA, _ := r.e.vm.RegisterRead(1) // vm context currently bound to B
	_ = regA
	r.e.vm.SetContext(taskA.ctx)
	gotA, _ := r.e.vm.RegisterRead(1)
	r.e.vm.SetContext(taskB.ctx)
	gotB, _ := r.e.vm.RegisterRead(1)
	r.e.mu.Unlock()

	if gotA != 11 {
		t.Fatalf("task A R1 = %d, want 11 (leaked from B?)", gotA)
	}
	if gotB != 22 {
		t.Fatalf("task B R1 = %d, want 22 (leaked from A?)", gotB)
	}
}

// TestBreakpointPausesTask covers §8 scenario 3.
func TestBreakpointPausesTask(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpNOP, 0, 0, 0, 0),
		encodeWord(minivm.OpNOP, 0, 0, 0, 0),
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	pid, err := r.e.LoadImage(minimalImage("", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := r.e.SetBreakpoint(pid, 4); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	executed := r.e.StepN(10, &pid)
	if executed != 1 {
		t.Fatalf("executed = %d, want 1 (should stop at breakpoint)", executed)
	}
	task, _ := r.e.Task(pid)
	if task.State != StatePaused {
		t.Fatalf("state = %v, want PAUSED", task.State)
	}
}

// TestExitSyscallSetsStatusAndRetires covers §8 scenario 1: LDI R1,42;
// SVC(TASKIO, exit) retires the task in 2 instructions with status 42.
func TestExitSyscallSetsStatusAndRetires(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 42),
		encodeWord(minivm.OpSVC, 0, 0, 0, 0x100), // mod=TASKIO(1), fn=exit(0)
	)
	pid, err := r.e.LoadImage(minimalImage("", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	executed := r.e.StepN(2, &pid)
	if executed != 2 {
		t.Fatalf("executed = %d, want 2", executed)
	}
	if _, ok := r.e.Task(pid); ok {
		t.Fatalf("task still present after exit, want retired")
	}
	found := false
	for _, ev := range r.e.Events() {
		if tse, ok := ev.Data.(TaskStateEvent); ok && tse.PID == pid && tse.NewState == StateReturned {
			found = true
			if tse.Status != 42 {
				t.Fatalf("exit status = %d, want 42", tse.Status)
			}
		}
	}
	if !found {
		t.Fatalf("no RETURNED task_state event for pid %d", pid)
	}
}

// TestSleepWakesAfterDeadline covers EXEC_SLEEP_MS and the sleep timer
// heap: a sleeping task does not run again until its deadline passes.
func TestSleepWakesAfterDeadline(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 100), // sleep 100ms
		encodeWord(minivm.OpSVC, 0, 0, 0, 0x600),
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	pid, err := r.e.LoadImage(minimalImage("", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if executed := r.e.StepN(2, nil); executed != 2 {
		t.Fatalf("executed = %d, want 2", executed)
	}
	task, _ := r.e.Task(pid)
	if task.State != StateSleeping {
		t.Fatalf("state = %v, want SLEEPING", task.State)
	}

	// Before the deadline, nothing is runnable.
	r.advance(50 * time.Millisecond)
	if executed := r.e.StepN(1, nil); executed != 0 {
		t.Fatalf("executed = %d before deadline, want 0", executed)
	}

	// After the deadline, the task wakes and can run its HALT.
	r.advance(60 * time.Millisecond)
	if executed := r.e.StepN(1, nil); executed != 1 {
		t.Fatalf("executed = %d after deadline, want 1", executed)
	}
	// A RETURNED task is retired from the table, so its final state is
	// read from the task_state event stream.
	returned := false
	for _, ev := range r.e.Events() {
		if tse, ok := ev.Data.(TaskStateEvent); ok && tse.PID == pid && tse.NewState == StateReturned {
			returned = true
		}
	}
	if !returned {
		t.Fatalf("no RETURNED task_state event for pid %d, want RETURNED", pid)
	}
}

// TestKillWinsOverPendingSleep covers §5's "kill always wins": killing
// a sleeping task transitions it to KILLED even though a timer entry
// for it is still pending in the heap, and the stale timer entry must
// not resurrect it once its deadline later passes.
func TestKillWinsOverPendingSleep(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 100),
		encodeWord(minivm.OpSVC, 0, 0, 0, 0x600),
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	pid, err := r.e.LoadImage(minimalImage("", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if executed := r.e.StepN(2, nil); executed != 2 {
		t.Fatalf("executed = %d, want 2", executed)
	}

	if err := r.e.Kill(pid); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := r.e.Task(pid); ok {
		t.Fatalf("task still present after kill, want retired")
	}

	// The stale timer entry's deadline passing must not error or
	// resurrect a task table entry.
	r.advance(200 * time.Millisecond)
	if executed := r.e.StepN(1, nil); executed != 0 {
		t.Fatalf("executed = %d after stale timer fired, want 0 (nothing runnable)", executed)
	}
}

// TestWatchFiresOnByteChange covers §4.5's watch byte-diff comparison.
func TestWatchFiresOnByteChange(t *testing.T) {
	r := newExecTestRig()
	// ST R1 -> [R2]; HALT. R2 holds rodata base-ish scratch address 0x4000.
	code := wordsToBytes(
		encodeWord(minivm.OpLDI, 1, 0, 0, 7),
		encodeWord(minivm.OpLDI32, 2, 0, 0, 0),
		0x00004000, // second word of LDI32: address to store into
		encodeWord(minivm.OpST, 1, 2, 0, 0),
		encodeWord(minivm.OpHALT, 0, 0, 0, 0),
	)
	pid, err := r.e.LoadImage(minimalImage("", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := r.e.SetWatch(pid, "scratch", 0x4000, 4); err != nil {
		t.Fatalf("SetWatch: %v", err)
	}

	executed := r.e.StepN(10, &pid)
	if executed != 4 {
		t.Fatalf("executed = %d, want 4", executed)
	}

	events := r.e.Events()
	found := false
	for _, ev := range events {
		if ev.Type == "watch_update" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no watch_update event emitted after store to watched address")
	}
}

// TestPollTimeoutsWakesWaitingMailboxTask confirms a WAIT_MBX task is
// moved back to READY once its registered waiter's deadline passes.
func TestPollTimeoutsWakesWaitingMailboxTask(t *testing.T) {
	r := newExecTestRig()
	code := wordsToBytes(encodeWord(minivm.OpHALT, 0, 0, 0, 0))
	pid, err := r.e.LoadImage(minimalImage("", false, code))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	status, h := r.e.OpenNamed(pid, "", true)
	if status != mailbox.StatusOK {
		t.Fatalf("OpenNamed status = %v", status)
	}

	r.e.mu.Lock()
	task := r.e.tasks[pid]
	r.e.removeFromReadyRing(pid)
	if err := r.e.transition(task, StateRunning, "dispatch", 0); err != nil {
		r.e.mu.Unlock()
		t.Fatalf("transition to RUNNING: %v", err)
	}
	if err := r.e.transition(task, StateWaitMbx, "mailbox_wait", 0); err != nil {
		r.e.mu.Unlock()
		t.Fatalf("transition to WAIT_MBX: %v", err)
	}
	waiterID, wstatus := r.e.mailboxes.RegisterWaiter(h, true, r.fake.Add(50*time.Millisecond), false)
	if wstatus != mailbox.StatusOK {
		r.e.mu.Unlock()
		t.Fatalf("RegisterWaiter: %v", wstatus)
	}
	task.WaiterID = waiterID
	r.e.mu.Unlock()

	r.advance(10 * time.Millisecond)
	r.e.mu.Lock()
	r.e.pollTimersLocked(r.fake)
	r.e.mu.Unlock()
	task2, _ := r.e.Task(pid)
	if task2.State != StateWaitMbx {
		t.Fatalf("state = %v before deadline, want WAIT_MBX", task2.State)
	}

	r.advance(60 * time.Millisecond)
	r.e.mu.Lock()
	r.e.pollTimersLocked(r.fake)
	r.e.mu.Unlock()
	task3, _ := r.e.Task(pid)
	if task3.State != StateReady {
		t.Fatalf("state = %v after deadline, want READY", task3.State)
	}
}

// TestCanTransitionAllowsMultipleReasonsForSameEdge confirms WAIT_MBX ->
// READY is legal regardless of which specific reason drove it.
func TestCanTransitionAllowsMultipleReasonsForSameEdge(t *testing.T) {
	if !CanTransition(StateWaitMbx, StateReady) {
		t.Fatalf("WAIT_MBX -> READY should be legal")
	}
	if !CanTransition(StateSleeping, StateKilled) {
		t.Fatalf("SLEEPING -> KILLED should always be legal")
	}
	if CanTransition(StateReturned, StateKilled) {
		t.Fatalf("RETURNED -> KILLED should not be legal (already terminal)")
	}
	if CanTransition(StateReady, StatePaused) == false {
		t.Fatalf("READY -> PAUSED should be legal")
	}
}
