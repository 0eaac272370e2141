// Package executive implements the executive core (§4.5): task
// lifecycle, round-robin scheduling, SVC dispatch, and
// breakpoint/watch integration. It is the only thing that touches
// minivm.VM's register/memory API directly on the interpreter's
// behalf — the context-isolation invariant in §4.5.
//
// Grounded on the teacher's debug_monitor.go (a single mutex-guarded
// authority coordinating many debuggable CPUs through register
// read/write and a freeze/resume state machine) and the
// MongooseMoo-barn scheduler (container/heap-based deadline queue,
// task table keyed by integer id).
package executive

import (
	"github.com/hanseinar/hsx/internal/hxe"
	"github.com/hanseinar/hsx/internal/mailbox"
	"github.com/hanseinar/hsx/internal/minivm"
)

// TaskState is one of §4.5's seven lifecycle states.
type TaskState int

const (
	StateReady TaskState = iota
	StateRunning
	StateWaitMbx
	StateSleeping
	StatePaused
	StateReturned
	StateKilled
)

func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateWaitMbx:
		return "WAIT_MBX"
	case StateSleeping:
		return "SLEEPING"
	case StatePaused:
		return "PAUSED"
	case StateReturned:
		return "RETURNED"
	case StateKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// PID identifies a task.
type PID uint32

// Task is one scheduled program (§3's task descriptor, §4.5's lifecycle).
type Task struct {
	PID   PID
	State TaskState

	ctx *minivm.Context
	mem *minivm.Memory

	AppName  string
	EntryPC  uint32
	TimeSliceWeight int

	SleepDeadline   int64 // unix nanos; valid while State == StateSleeping
	WaitDeadline    int64 // unix nanos; valid while State == StateWaitMbx
	WaitInfinite    bool
	WaiterID        uint64 // the mailbox waiter this task is parked on

	// PendingMailbox is non-nil while the task is parked in WAIT_MBX on
	// a blocking mailbox.recv/send, recording what to do once the
	// registered waiter wakes (message arrived, or its deadline
	// passed).
	PendingMailbox *PendingMailboxOp

	// Strings is the task's own rodata string pool, used to resolve
	// mailbox target-string offsets passed by SVC module 0x05.
	Strings hxe.StringPool

	// mailHandles maps the small integer handle id returned to the VM
	// by mailbox open/bind/tap back to the full mailbox.Handle the
	// manager needs for subsequent send/recv/peek/tap/close calls.
	mailHandles map[uint32]mailbox.Handle

	Breakpoints map[uint32]*Breakpoint
	Watches     []*Watch

	// History is a bounded ring of pre-step snapshots for backstep{pid,
	// steps}, populated by stepOnceLocked and trimmed to historyLimit.
	History []Snapshot

	ExitStatus uint32

	// AllowMultipleInstances governs §8 scenario 6's instance policy;
	// recorded per task so restart{} can honor the image's own flag.
	AllowMultipleInstances bool
}

// Watch is one `(expression, resolved_address, length, last_bytes)`
// entry (§4.5).
type Watch struct {
	ID         int
	Expression string
	Address    uint32
	Length     int
	LastBytes  []byte
}

// Breakpoint is one pid:addr entry in a task's breakpoint set.
// Temporary breakpoints are cleared as soon as they fire
// (`bp{op:"run_until"}`); a non-nil Condition additionally gates
// whether hitting addr actually pauses the task.
type Breakpoint struct {
	Temporary bool
	Condition *Condition
}

// Condition is a register-or-memory comparison evaluated before a
// breakpoint pauses its task (`bp.set`'s optional condition field),
// generalizing the teacher's debug_conditions.go watch-expression
// predicates from "always true" to a single comparison.
type Condition struct {
	Reg *int    // GPR index; mutually exclusive with Addr
	Addr *uint32 // arena address; mutually exclusive with Reg
	Op   string  // "eq" | "ne" | "lt" | "gt" | "le" | "ge"
	Value uint32
}

func (c *Condition) eval(actual uint32) bool {
	switch c.Op {
	case "eq":
		return actual == c.Value
	case "ne":
		return actual != c.Value
	case "lt":
		return actual < c.Value
	case "gt":
		return actual > c.Value
	case "le":
		return actual <= c.Value
	case "ge":
		return actual >= c.Value
	default:
		return true
	}
}

// Snapshot is one backstep entry: a task's register window, PC/SP/PSW,
// and step counter immediately before a step executed, grounded on
// the teacher's debug_snapshot.go TakeSnapshot/RestoreSnapshot pair
// generalized from a whole-machine snapshot to one task's state.
type Snapshot struct {
	Regs  [16]uint32
	PC    uint32
	SP    uint32
	PSW   uint8
	Steps uint64
}

// historyLimit bounds the backstep ring per task (§5's resource caps).
const historyLimit = 256

// PendingMailboxOp is the continuation of a blocking mailbox SVC: the
// data needed to finish the operation once its waiter wakes, since the
// SVC instruction itself has already retired by the time the task
// parks in WAIT_MBX.
type PendingMailboxOp struct {
	Recv   bool // true: recv continuation; false: send continuation
	Handle mailbox.Handle
	Addr   uint32
	Length uint32 // recv: max bytes to copy in; send: payload length to copy out
}

// storeHandleLocked remembers h under its own small integer id so a
// later SVC can reference it by that id alone.
func (t *Task) storeHandleLocked(h mailbox.Handle) {
	if t.mailHandles == nil {
		t.mailHandles = make(map[uint32]mailbox.Handle)
	}
	t.mailHandles[uint32(h.ID())] = h
}

// StateTransition records one legal §4.5 transition for validation and
// for building `task_state` events.
type StateTransition struct {
	From, To TaskState
	Reason   string
}

// legalTransitions enumerates every edge in §4.5's table. A "live"
// state (anything but RETURNED/KILLED) may always additionally move
// to KILLED — handled separately in CanTransition, not listed here,
// since every live row would otherwise repeat it.
var legalTransitions = map[TaskState]map[TaskState]bool{
	StateReady: {
		StateRunning: true,
		StatePaused:  true,
	},
	StateRunning: {
		StateReady:    true,
		StateWaitMbx:  true,
		StateSleeping: true,
		StatePaused:   true,
		StateReturned: true,
	},
	StateWaitMbx: {
		StateReady:  true,
		StatePaused: true,
	},
	StateSleeping: {
		StateReady:  true,
		StatePaused: true,
	},
	StatePaused: {
		StateReady: true,
	},
}

// CanTransition reports whether from->to is one of §4.5's listed
// edges. The caller supplies the specific reason code (e.g.
// "mailbox_wake" vs "timeout" both realise WAIT_MBX -> READY) since
// a single edge can be reached for more than one reason.
func CanTransition(from, to TaskState) bool {
	if to == StateKilled {
		return from != StateReturned && from != StateKilled
	}
	return legalTransitions[from][to]
}

// TaskStateEvent mirrors §4.6's task_state event shape.
type TaskStateEvent struct {
	PID       PID
	PrevState TaskState
	NewState  TaskState
	Reason    string
	Status    uint32 // valid when NewState == StateReturned
}

// SchedulerEvent mirrors §4.6's scheduler event shape.
type SchedulerEvent struct {
	PrevPID         PID
	NextPID         PID
	Reason          string
	QuantumRemaining int
	PrevState       TaskState
	PostState       TaskState
	NextState       TaskState
	Executed        int
	Source          string // "auto" | "manual"
}

// DebugBreakEvent mirrors §4.6's debug_break event shape.
type DebugBreakEvent struct {
	PID          PID
	PC           uint32
	Reason       string // "BRK" | "virtual"
	BreakpointID int
}

// WatchUpdateEvent mirrors §4.6's watch_update event shape.
type WatchUpdateEvent struct {
	PID   PID
	Watch Watch
}

// ClockMode mirrors §4.5's clock mode enumeration.
type ClockMode int

const (
	ClockStopped ClockMode = iota
	ClockActive
	ClockRate
	ClockSleep
	ClockThrottled
	ClockIdle
	ClockPaused
)

func (m ClockMode) String() string {
	switch m {
	case ClockStopped:
		return "stopped"
	case ClockActive:
		return "active"
	case ClockRate:
		return "rate"
	case ClockSleep:
		return "sleep"
	case ClockThrottled:
		return "throttled"
	case ClockIdle:
		return "idle"
	case ClockPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// SVC module identifiers (§4.5's dispatch table).
const (
	ModuleCore     = 0x00
	ModuleTaskIO   = 0x01
	ModuleCAN      = 0x02
	ModuleFS       = 0x04
	ModuleMailbox  = 0x05
	ModuleExec     = 0x06
	ModuleValue    = 0x07
	ModuleCommand  = 0x08
	ModuleFD       = 0x0A
	ModuleDevLibm  = 0x0E
)

// SVC status returned in R0 for an unrecognised (module, function).
const StatusENOSYS = 0xFFFFFFFF
