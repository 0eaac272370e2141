package executive

import (
	"container/heap"
	"time"

	"github.com/hanseinar/hsx/internal/mailbox"
)

// timerEntry is one pending sleep deadline (§4.5's timer heap). Mailbox
// wait timeouts are tracked by mailbox.Manager itself; this heap only
// serves EXEC_SLEEP_MS.
type timerEntry struct {
	deadline time.Time
	pid      PID
	index    int
}

// timerHeap is a container/heap.Interface min-heap keyed on deadline,
// the same shape the MongooseMoo-barn scheduler uses for its waiting
// task queue.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// removeFromReadyRing drops pid from the round-robin ring if present.
func (e *Executive) removeFromReadyRing(pid PID) {
	for i, p := range e.readyRing {
		if p == pid {
			e.readyRing = append(e.readyRing[:i], e.readyRing[i+1:]...)
			return
		}
	}
}

// enqueueReady appends pid to the back of the round-robin ring.
func (e *Executive) enqueueReady(pid PID) {
	e.removeFromReadyRing(pid)
	e.readyRing = append(e.readyRing, pid)
}

// pollTimersLocked wakes every sleeping task whose deadline has
// passed, transitioning it READY (§4.5's "SLEEPING -> READY: deadline
// reached (timeout)").
func (e *Executive) pollTimersLocked(now time.Time) {
	for e.sleepTimers.Len() > 0 && !(*e.sleepTimers)[0].deadline.After(now) {
		ent := heap.Pop(e.sleepTimers).(*timerEntry)
		t, ok := e.tasks[ent.pid]
		if !ok || t.State != StateSleeping {
			continue
		}
		e.transition(t, StateReady, "timeout", 0)
		e.enqueueReady(t.PID)
	}

	for _, wake := range e.mailboxes.PollTimeouts(now) {
		pid := PID(wake.PID)
		t, ok := e.tasks[pid]
		if !ok || t.State != StateWaitMbx {
			continue
		}
		e.events.emit("mailbox_timeout", map[string]any{"pid": pid})
		e.completeMailboxWaitLocked(t, mailbox.StatusTimeout)
	}
}

// dispatchNextLocked pops the front of the ready ring and makes it
// RUNNING, emitting the scheduler event (§4.5: "Context switch is a
// pointer swap ... On every switch a scheduler event is emitted").
func (e *Executive) dispatchNextLocked(source string) (*Task, bool) {
	if len(e.readyRing) == 0 {
		return nil, false
	}
	pid := e.readyRing[0]
	e.readyRing = e.readyRing[1:]

	t := e.tasks[pid]
	prevPID := e.currentPID
	prevState := StateReady
	if prev, ok := e.tasks[prevPID]; ok {
		prevState = prev.State
	}

	e.transition(t, StateRunning, "dispatch", 0)
	e.vm.SetContext(t.ctx)
	e.currentPID = pid

	e.events.emit("scheduler", SchedulerEvent{
		PrevPID: prevPID, NextPID: pid, Reason: "dispatch",
		PrevState: prevState, NextState: StateRunning, Source: source,
	})
	return t, true
}
