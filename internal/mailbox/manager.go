package mailbox

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// headerSize is the framing overhead counted against a descriptor's
// capacity for every queued message (§4.3: "payload clamped to
// capacity - sizeof(header)").
const headerSize = 16

type waiterKind int

const (
	waiterRecv waiterKind = iota
	waiterSend
)

type waiter struct {
	id       uint64
	pid      uint32
	kind     waiterKind
	deadline time.Time
	infinite bool
}

type descriptor struct {
	id       uint64
	target   string
	ownerPID uint32
	capacity int
	mode     Mode
	ring     []Message
	usedBytes int
	overrunCount uint64
	nextSeq  uint64

	recvWaiters []waiter
	sendWaiters []waiter
	taps        []uint64               // handle IDs mirroring every enqueue
	tapQueues   map[uint64][]Message   // per-tap mirrored copies, capped at DefaultCapacity messages
}

// Manager owns every descriptor and handle in one VM instance (§4.3).
// All mutation happens under mu; wake notifications are computed while
// holding the lock and delivered to the caller after it is released.
type Manager struct {
	mu sync.Mutex

	profile Profile

	descriptors map[uint64]*descriptor
	byTarget    map[string]uint64
	handles     map[uint64]*Handle
	perPID      map[uint32]int

	nextDescriptorID uint64
	nextHandleID     uint64
	nextWaiterID     uint64

	events []Event
}

// NewManager creates an empty manager bounded by profile.
func NewManager(profile Profile) *Manager {
	return &Manager{
		profile:     profile,
		descriptors: make(map[uint64]*descriptor),
		byTarget:    make(map[string]uint64),
		handles:     make(map[uint64]*Handle),
		perPID:      make(map[uint32]int),
	}
}

// Events drains and returns accumulated observability events.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := m.events
	m.events = nil
	return ev
}

func (m *Manager) emit(e Event) { m.events = append(m.events, e) }

// Open resolves target per §3's namespace rules and either attaches to
// an existing descriptor or auto-binds one with default capacity.
func (m *Manager) Open(pid uint32, target string, write bool) (Status, Handle, error) {
	rt, err := resolveTarget(target, pid)
	if err != nil {
		return StatusInvalidHandle, Handle{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := ModeRead
	if write {
		mode |= ModeWrite
	}
	key := rt.key()
	if id, ok := m.byTarget[key]; ok {
		return m.newHandleLocked(pid, id)
	}
	return m.bindLocked(pid, rt, key, DefaultCapacity, mode)
}

// Bind creates or attaches to a descriptor with explicit capacity and
// mode mask (§4.3's bind()).
func (m *Manager) Bind(pid uint32, target string, capacity int, mode Mode) (Status, uint64, Handle, error) {
	rt, err := resolveTarget(target, pid)
	if err != nil {
		return StatusInvalidHandle, 0, Handle{}, err
	}
	if (mode.has(ModeFanoutDrop) || mode.has(ModeFanoutBlock)) && rt.ns != NamespaceShared {
		return StatusInvalidHandle, 0, Handle{}, fmt.Errorf("mailbox: FANOUT_* is only valid on shared: targets")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := rt.key()
	if id, ok := m.byTarget[key]; ok {
		status, h, err := m.newHandleLocked(pid, id)
		return status, id, h, err
	}
	status, h, err := m.bindLocked(pid, rt, key, capacity, mode)
	if err != nil || status != StatusOK {
		return status, 0, h, err
	}
	return status, h.descriptorID, h, nil
}

func (m *Manager) bindLocked(pid uint32, rt resolvedTarget, key string, capacity int, mode Mode) (Status, Handle, error) {
	if len(m.descriptors) >= m.profile.MaxDescriptors {
		m.emit(Event{Type: "mailbox_exhausted", Target: key, PID: pid, Detail: "descriptor table full"})
		return StatusNoDescriptor, Handle{}, nil
	}
	m.nextDescriptorID++
	d := &descriptor{
		id:       m.nextDescriptorID,
		target:   key,
		ownerPID: pid,
		capacity: capacity,
		mode:     mode,
	}
	m.descriptors[d.id] = d
	m.byTarget[key] = d.id

	return m.newHandleLocked(pid, d.id)
}

func (m *Manager) newHandleLocked(pid uint32, descriptorID uint64) (Status, Handle, error) {
	if m.perPID[pid] >= m.profile.MaxHandlesPerPID {
		m.emit(Event{Type: "mailbox_exhausted", PID: pid, Detail: "handle table full"})
		return StatusNoDescriptor, Handle{}, nil
	}
	m.nextHandleID++
	h := Handle{id: m.nextHandleID, descriptorID: descriptorID, pid: pid}
	m.handles[h.id] = &h
	m.perPID[pid]++
	return StatusOK, h, nil
}

func (m *Manager) lookup(h Handle) (*descriptor, *Handle, bool) {
	hh, ok := m.handles[h.id]
	if !ok {
		return nil, nil, false
	}
	d, ok := m.descriptors[hh.descriptorID]
	if !ok {
		return nil, nil, false
	}
	return d, hh, true
}

// TrySend enqueues a message without blocking (§4.3's send(), the
// non-blocking path). A payload longer than capacity minus the header
// is truncated to that length, and the returned count is the number of
// bytes queued. Under FANOUT_DROP the oldest message is evicted to make
// room; otherwise a full ring yields WOULDBLOCK.
func (m *Manager) TrySend(h Handle, payload []byte, flags, channel uint32) (Status, int, []WakeEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, hh, ok := m.lookup(h)
	if !ok {
		return StatusInvalidHandle, 0, nil
	}
	size := headerSize + len(payload)
	if size > d.capacity {
		if d.capacity <= headerSize {
			return StatusMsgTooLarge, 0, nil
		}
		payload = payload[:d.capacity-headerSize]
		size = d.capacity
	}
	for d.usedBytes+size > d.capacity {
		if !d.mode.has(ModeFanoutDrop) {
			return StatusWouldBlock, 0, nil
		}
		if len(d.ring) == 0 {
			break
		}
		dropped := d.ring[0]
		d.ring = d.ring[1:]
		d.usedBytes -= headerSize + len(dropped.Payload)
		d.overrunCount++
		m.emit(Event{Type: "mailbox_overrun", DescriptorID: d.id, Target: d.target, PID: hh.pid,
			Detail: fmt.Sprintf("dropped seq=%d", dropped.Seq)})
	}

	d.nextSeq++
	msg := Message{Payload: append([]byte(nil), payload...), Flags: flags, Channel: channel, SrcPID: hh.pid, Seq: d.nextSeq}
	d.ring = append(d.ring, msg)
	d.usedBytes += size
	m.emit(Event{Type: "mailbox_send", DescriptorID: d.id, Target: d.target, PID: hh.pid})

	for _, tapID := range d.taps {
		if d.tapQueues == nil {
			d.tapQueues = make(map[uint64][]Message)
		}
		q := append(d.tapQueues[tapID], msg)
		if len(q) > DefaultCapacity {
			q = q[len(q)-DefaultCapacity:]
		}
		d.tapQueues[tapID] = q
	}

	// Exactly one recv waiter is released per successful send; taps are
	// not waiters; each has already received its own copy in tapQueues.
	var woken []WakeEvent
	if len(d.recvWaiters) > 0 {
		w := d.recvWaiters[0]
		d.recvWaiters = d.recvWaiters[1:]
		woken = append(woken, WakeEvent{WaiterID: w.id, PID: w.pid, Status: StatusOK})
		m.emit(Event{Type: "mailbox_wake", DescriptorID: d.id, Target: d.target, PID: w.pid})
	}
	return StatusOK, len(payload), woken
}

// TryRecv dequeues the next message without blocking (§4.3's recv()
// POLL path).
func (m *Manager) TryRecv(h Handle) (Status, Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, hh, ok := m.lookup(h)
	if !ok {
		return StatusInvalidHandle, Message{}
	}
	if h.tap {
		q := d.tapQueues[h.id]
		if len(q) == 0 {
			return StatusNoData, Message{}
		}
		msg := q[0]
		d.tapQueues[h.id] = q[1:]
		return StatusOK, msg
	}
	if len(d.ring) == 0 {
		return StatusNoData, Message{}
	}
	msg := d.ring[0]
	d.ring = d.ring[1:]
	d.usedBytes -= headerSize + len(msg.Payload)
	m.emit(Event{Type: "mailbox_recv", DescriptorID: d.id, Target: d.target, PID: hh.pid})
	return StatusOK, msg
}

// Peek reports queue depth without consuming (§4.3's peek()).
func (m *Manager) Peek(h Handle) (status Status, depth, bytesUsed, nextLen int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, _, ok := m.lookup(h)
	if !ok {
		return StatusInvalidHandle, 0, 0, 0
	}
	next := 0
	if len(d.ring) > 0 {
		next = len(d.ring[0].Payload)
	}
	return StatusOK, len(d.ring), d.usedBytes, next
}

// Tap installs or removes a non-consuming mirror subscriber (§4.3's
// tap()). The tap handle receives its own copy of every future send.
func (m *Manager) Tap(h Handle, enable bool) (Status, Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, hh, ok := m.lookup(h)
	if !ok {
		return StatusInvalidHandle, Handle{}
	}
	if !enable {
		for i, id := range d.taps {
			if id == h.id {
				d.taps = append(d.taps[:i], d.taps[i+1:]...)
				break
			}
		}
		return StatusOK, h
	}
	d.taps = append(d.taps, h.id)
	hh.tap = true
	return StatusOK, *hh
}

// RegisterWaiter parks pid on descriptor h as a recv or send waiter
// with the given absolute deadline (zero means infinite). The
// executive calls this after a TryRecv/TrySend returns NoData or
// WouldBlock and moves the task to WAIT_MBX.
func (m *Manager) RegisterWaiter(h Handle, recv bool, deadline time.Time, infinite bool) (uint64, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, hh, ok := m.lookup(h)
	if !ok {
		return 0, StatusInvalidHandle
	}
	m.nextWaiterID++
	w := waiter{id: m.nextWaiterID, pid: hh.pid, deadline: deadline, infinite: infinite}
	m.emit(Event{Type: "mailbox_wait", DescriptorID: d.id, Target: d.target, PID: hh.pid})
	if recv {
		w.kind = waiterRecv
		d.recvWaiters = append(d.recvWaiters, w)
	} else {
		w.kind = waiterSend
		d.sendWaiters = append(d.sendWaiters, w)
	}
	return w.id, StatusOK
}

// CancelWaiter removes a waiter without waking it (used when the
// executive gives up early, e.g. on kill).
func (m *Manager) CancelWaiter(waiterID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.descriptors {
		d.recvWaiters = removeWaiter(d.recvWaiters, waiterID)
		d.sendWaiters = removeWaiter(d.sendWaiters, waiterID)
	}
}

func removeWaiter(ws []waiter, id uint64) []waiter {
	for i, w := range ws {
		if w.id == id {
			return append(ws[:i], ws[i+1:]...)
		}
	}
	return ws
}

// PollTimeouts returns waiters whose deadline has passed as of now,
// removing them from their descriptors. The scheduler's timer heap
// calls this each tick (§4.5).
func (m *Manager) PollTimeouts(now time.Time) []WakeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []WakeEvent
	for _, d := range m.descriptors {
		d.recvWaiters, out = expireWaiters(d.recvWaiters, now, out)
		d.sendWaiters, out = expireWaiters(d.sendWaiters, now, out)
	}
	return out
}

func expireWaiters(ws []waiter, now time.Time, out []WakeEvent) ([]waiter, []WakeEvent) {
	kept := ws[:0]
	for _, w := range ws {
		if !w.infinite && !w.deadline.IsZero() && !now.Before(w.deadline) {
			out = append(out, WakeEvent{WaiterID: w.id, PID: w.pid, Status: StatusTimeout})
			continue
		}
		kept = append(kept, w)
	}
	return kept, out
}

// Close releases a handle; when it was the last handle on a
// PID-private descriptor (a pid: or svc: target), the descriptor itself
// is torn down (§4.3's close(), and the kill/exit-time purge in
// §4.3/§5). app: and shared: descriptors remain bound.
func (m *Manager) Close(h Handle) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(h)
}

func (m *Manager) closeLocked(h Handle) Status {
	hh, ok := m.handles[h.id]
	if !ok {
		return StatusInvalidHandle
	}
	delete(m.handles, h.id)
	m.perPID[hh.pid]--

	d, ok := m.descriptors[hh.descriptorID]
	if !ok {
		return StatusOK
	}
	d.taps = removeID(d.taps, h.id)

	stillReferenced := false
	for _, other := range m.handles {
		if other.descriptorID == d.id {
			stillReferenced = true
			break
		}
	}
	if !stillReferenced && (strings.HasPrefix(d.target, "pid:") || strings.HasPrefix(d.target, "svc:")) {
		delete(m.descriptors, d.id)
		delete(m.byTarget, d.target)
	}
	return StatusOK
}

func removeID(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// PurgeOwner closes every handle owned by pid and drops its waiters
// from every descriptor (§4.3: kill/exit cleanup).
func (m *Manager) PurgeOwner(pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toClose []Handle
	for id, hh := range m.handles {
		if hh.pid == pid {
			toClose = append(toClose, Handle{id: id, descriptorID: hh.descriptorID, pid: pid})
		}
	}
	for _, h := range toClose {
		m.closeLocked(h)
	}
	for _, d := range m.descriptors {
		d.recvWaiters = filterByPID(d.recvWaiters, pid)
		d.sendWaiters = filterByPID(d.sendWaiters, pid)
	}
	delete(m.perPID, pid)
}

func filterByPID(ws []waiter, pid uint32) []waiter {
	kept := ws[:0]
	for _, w := range ws {
		if w.pid != pid {
			kept = append(kept, w)
		}
	}
	return kept
}

// DescriptorOverrunCount reports the overrun counter used by tests and
// the `mailbox` introspection RPC.
func (m *Manager) DescriptorOverrunCount(descriptorID uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.descriptors[descriptorID]; ok {
		return d.overrunCount
	}
	return 0
}
