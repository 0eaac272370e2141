package executive

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/hanseinar/hsx/internal/hsxlog"
	"github.com/hanseinar/hsx/internal/hxe"
	"github.com/hanseinar/hsx/internal/mailbox"
	"github.com/hanseinar/hsx/internal/minivm"
	"github.com/hanseinar/hsx/internal/registry"
)

// arenaSize is the fixed per-task memory window: code/rodata/bss at
// the bottom, a downward-growing stack in the middle, and the
// register window at the very top (§3, §4.2's arena-addressed
// register model, and this repo's resolution of the "one shared arena
// vs. one arena per task" ambiguity — see DESIGN.md).
const arenaSize = 128 * 1024

// registerWindowBytes is NumRegisters 32-bit registers.
const registerWindowBytes = minivm.NumRegisters * 4

// ErrInstanceExists is §7's LoadError for a single-instance image
// already running.
var ErrInstanceExists = fmt.Errorf("instance_exists")

// Executive is one running VM instance: task table, scheduler, timer
// heap, mailbox manager, and value/command registry, all guarded by a
// single mutex (§5: "a single mutex serialises every mutation of task
// table, VM context, registry, and mailbox state").
type Executive struct {
	mu sync.Mutex

	log hsxlog.Logger

	vm        *minivm.VM
	mailboxes *mailbox.Manager
	values    *registry.Registry

	tasks      map[PID]*Task
	readyRing  []PID
	currentPID PID
	nextPID    uint32

	sleepTimers *timerHeap

	events eventSink

	nextWatchID int

	loadedApps map[string]int // app name -> instances loaded so far (not decremented when a task retires), for §8 scenario 6

	symbols symbolTables // per-PID attached `.sym` sidecars, for disasm/sym RPCs

	clockMode ClockMode
	now       func() time.Time
}

// New creates an empty executive. profile bounds the mailbox manager
// and registry sizing (desktop vs. embedded, §4.3/§4.4).
func New(log hsxlog.Logger, mbProfile mailbox.Profile, regProfile registry.Profile) *Executive {
	h := make(timerHeap, 0)
	return &Executive{
		log:         log,
		vm:          minivm.New(),
		mailboxes:   mailbox.NewManager(mbProfile),
		values:      registry.New(regProfile),
		tasks:       make(map[PID]*Task),
		sleepTimers: &h,
		loadedApps:  make(map[string]int),
		clockMode:   ClockStopped,
		now:         time.Now,
	}
}

// Mailboxes exposes the underlying mailbox manager so host-side
// adapters (the stdio bridge, §6) can open handles against a task's
// `svc:stdio.*` targets without the executive needing to know stdio is
// one of the things using mailboxes.
func (e *Executive) Mailboxes() *mailbox.Manager {
	return e.mailboxes
}

// PersistValue implements the control-plane side of `persist(oid,
// mode)` (§4.4/§6), the same path an in-VM SVC call would take.
func (e *Executive) PersistValue(oid int32, mode int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := e.values.PersistValue(registry.OID(oid), registry.PersistMode(mode))
	if status != registry.StatusOK {
		return fmt.Errorf("executive: persist: %s", status)
	}
	return nil
}

// LoadFRAM restores a persisted value snapshot written by SaveFRAM,
// applying it to whichever (group, value) pairs are already registered
// (§6's FRAM-style store). Call after the images that register those
// values have loaded.
func (e *Executive) LoadFRAM(path string) error {
	return e.values.LoadFRAM(path)
}

// SaveFRAM writes every persist-flagged value to path.
func (e *Executive) SaveFRAM(path string) error {
	return e.values.SaveFRAM(path)
}

// Events drains every event emitted by the executive and its
// sub-components since the last call (the control plane's event store
// polls this to assign sequence numbers and fan out, §4.6).
func (e *Executive) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events.drain()
	for _, ev := range e.mailboxes.Events() {
		out = append(out, Event{Type: ev.Type, Data: ev})
	}
	for _, ev := range e.values.Events() {
		out = append(out, Event{Type: ev.Type, Data: ev})
	}
	return out
}

func (e *Executive) pushTimer(pid PID, deadline time.Time) {
	heap.Push(e.sleepTimers, &timerEntry{deadline: deadline, pid: pid})
}

// LoadImage implements §4.1's load(): builds a fresh per-task arena,
// attaches the image, and enqueues the new task as READY (§4.5's "--
// -> READY: loaded").
func (e *Executive) LoadImage(img *hxe.Image) (PID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	appName := img.AppName
	if appName != "" {
		count := e.loadedApps[appName]
		if count > 0 {
			if !img.AllowMultipleInstances {
				return 0, ErrInstanceExists
			}
			appName = fmt.Sprintf("%s_#%d", img.AppName, count)
		}
		e.loadedApps[img.AppName] = count + 1
	}

	mem := minivm.NewMemory(arenaSize)
	if err := minivm.AttachImage(mem, img.Code, img.Rodata, int(img.BssSize)); err != nil {
		return 0, err
	}

	regBase := uint32(arenaSize - registerWindowBytes)
	stackBase := regBase
	stackLimit := hxe.RodataBase + uint32(len(img.Rodata)) + img.BssSize + 256

	e.nextPID++
	pid := PID(e.nextPID)

	t := &Task{
		PID: pid, State: StateReady,
		mem: mem, AppName: appName, EntryPC: img.Entry,
		TimeSliceWeight:        1,
		AllowMultipleInstances: img.AllowMultipleInstances,
		Strings:                img.Meta.Strings,
	}
	t.ctx = &minivm.Context{
		Mem: mem, RegBase: regBase, StackBase: stackBase, StackLimit: stackLimit,
		SP: stackBase, PC: img.Entry,
		IsBreakpoint: func(addr uint32) bool { return t.breakpointFiresLocked(addr) },
	}

	e.registerValuesAndCommandsLocked(t, img)

	e.tasks[pid] = t
	e.events.emit("task_state", TaskStateEvent{PID: pid, PrevState: -1, NewState: StateReady, Reason: "loaded"})
	e.enqueueReady(pid)
	return pid, nil
}

// registerValuesAndCommandsLocked wires an admitted task's declared
// values, commands, and mailboxes into the executive's shared registry
// and mailbox manager (§2: "wire mailboxes/values/commands from
// metadata").
func (e *Executive) registerValuesAndCommandsLocked(t *Task, img *hxe.Image) {
	strings := img.Meta.Strings
	for _, v := range img.Meta.Values {
		flags := registry.ValueFlags(0)
		if v.Flags&0x01 != 0 {
			flags |= registry.FlagReadOnly
		}
		epsilon := minivm.HalfToFloat32(v.EpsilonHalf)
		e.values.RegisterValue(uint32(t.PID), uint16(v.Group), uint16(v.ValueID), flags, strings.String(v.NameOffset), epsilon)
	}
	for _, c := range img.Meta.Commands {
		flags := registry.CommandFlags(0)
		if c.Flags&hxe.CmdFlagPin != 0 {
			flags |= registry.CmdFlagPin
		}
		if c.Flags&hxe.CmdFlagAsync != 0 {
			flags |= registry.CmdFlagAsync
		}
		e.values.RegisterCommand(uint32(t.PID), uint16(c.Group), uint16(c.CmdID), flags, strings.String(c.HelpOffset), c.HandlerOffset)
	}
	for _, m := range img.Meta.Mailboxes {
		target := strings.String(m.TargetOffset)
		if target == "" {
			continue
		}
		capacity := int(m.QueueDepth)
		if capacity <= 0 {
			capacity = hxe.DefaultMailboxCapacity
		}
		// m.Flags mirrors mailbox.Mode's bit layout directly (§4.1's
		// "flag bits matching the mailbox mode mask").
		mode := mailbox.Mode(m.Flags)
		if status, _, _, err := e.mailboxes.Bind(uint32(t.PID), target, capacity, mode); err != nil || status != mailbox.StatusOK {
			e.events.emit("mailbox_bind_failed", map[string]any{
				"pid": t.PID, "target": target, "status": status.String(), "err": fmt.Sprint(err),
			})
		}
	}
}

// Task returns a snapshot-safe copy of task state for introspection
// RPCs (`ps`, `info`).
func (e *Executive) Task(pid PID) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Pause implements §4.6's pause{pid}: any live state -> PAUSED.
func (e *Executive) Pause(pid PID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	e.removeFromReadyRing(pid)
	return e.transition(t, StatePaused, "user_pause", 0)
}

// Resume implements §4.6's resume{pid}: PAUSED -> READY.
func (e *Executive) Resume(pid PID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	if err := e.transition(t, StateReady, "resume", 0); err != nil {
		return err
	}
	e.enqueueReady(pid)
	return nil
}

// Kill implements §4.6's kill{pid}: any live state -> KILLED, racing
// and beating a concurrent sleep/timeout wake (§5: "kill always
// wins").
func (e *Executive) Kill(pid PID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[pid]
	if !ok {
		return fmt.Errorf("executive: no such pid %d", pid)
	}
	return e.transition(t, StateKilled, "killed", 0)
}
