package executive

import (
	"fmt"
	"time"

	"github.com/hanseinar/hsx/internal/mailbox"
	"github.com/hanseinar/hsx/internal/minivm"
	"github.com/hanseinar/hsx/internal/registry"
)

// handleSVC implements §4.5's SVC dispatch: it never touches VM state
// except through the public register/memory API, writes a result into
// R0, and decides whether the task keeps running or blocks.
//
// Resolves §9 Open Question (a): the source's "R0" for EXEC_SLEEP_MS
// and EXIT is the first SVC *argument register* (SyscallTrap.Args[0],
// i.e. the VM's R1) — not the VM's physical GPR R0, which the VM
// itself always pre-clears as the return slot before the trap is
// raised (§4.2). Scenario 1 in §8 confirms this: `LDI R1,42` followed
// by `SVC 0x01,0x00` yields `details.status=42`.
func (e *Executive) handleSVC(t *Task, trap minivm.SyscallTrap) {
	switch trap.Module {
	case ModuleTaskIO:
		e.handleTaskIO(t, trap)
	case ModuleExec:
		e.handleExec(t, trap)
	case ModuleMailbox:
		e.handleMailbox(t, trap)
	case ModuleValue:
		e.handleValue(t, trap)
	case ModuleCommand:
		e.handleCommand(t, trap)
	default:
		e.setR0(t, StatusENOSYS)
	}
}

func (e *Executive) setR0(t *Task, v uint32) {
	e.vm.SetContext(t.ctx)
	_ = e.vm.RegisterWrite(0, v)
}

// setR1 carries a second result value (a handle id, a byte count, a
// queue depth) alongside the status R0 always holds.
func (e *Executive) setR1(t *Task, v uint32) {
	e.vm.SetContext(t.ctx)
	_ = e.vm.RegisterWrite(1, v)
}

// handleTaskIO implements module 0x01: function 0x00 is exit (§8
// scenario 1); 0x01/0x02 write the task's own stdout/stderr, 0x03
// reads stdin, all routed through the fixed `svc:stdio.*@pid` mailbox
// targets rather than a caller-resolved string (§4.2's "stdio writes
// are routed through mailboxes svc:stdio.{in,out,err}").
func (e *Executive) handleTaskIO(t *Task, trap minivm.SyscallTrap) {
	switch trap.Func {
	case 0x00: // exit
		t.ExitStatus = trap.Args[0]
		e.transition(t, StateReturned, "returned", t.ExitStatus)
	case 0x01: // write(stdout, addr, len)
		e.setR0(t, e.stdioWrite(t, "out", trap.Args[0], trap.Args[1]))
	case 0x02: // write(stderr, addr, len)
		e.setR0(t, e.stdioWrite(t, "err", trap.Args[0], trap.Args[1]))
	case 0x03: // read(stdin, addr, maxlen)
		e.setR0(t, e.stdioRead(t, trap.Args[0], trap.Args[1]))
	default:
		e.setR0(t, StatusENOSYS)
	}
}

// stdioWrite copies len bytes from the task's own arena into its
// svc:stdio.{out,err} mailbox target, returning the byte count written
// (R0) or a mailbox.Status cast to uint32 on failure.
func (e *Executive) stdioWrite(t *Task, stream string, addr, length uint32) uint32 {
	buf := make([]byte, length)
	for i := range buf {
		b, ok := t.mem.Read8(addr + uint32(i))
		if !ok {
			return uint32(mailbox.StatusInvalidHandle)
		}
		buf[i] = b
	}
	target := fmt.Sprintf("svc:stdio.%s@%d", stream, t.PID)
	status, h, err := e.mailboxes.Open(uint32(t.PID), target, true)
	if err != nil || status != mailbox.StatusOK {
		return uint32(status)
	}
	st, _, woken := e.mailboxes.TrySend(h, buf, 0, 0)
	e.wakeFromMailbox(woken)
	if st != mailbox.StatusOK {
		return uint32(st)
	}
	return length
}

// stdioRead copies at most maxlen bytes from svc:stdio.in@pid into the
// task's own arena, returning the byte count read (0 if nothing was
// queued — a full build would park the task on WAIT_MBX here the same
// way handleMailbox's blocking recv path does).
func (e *Executive) stdioRead(t *Task, addr, maxlen uint32) uint32 {
	target := fmt.Sprintf("svc:stdio.in@%d", t.PID)
	status, h, err := e.mailboxes.Open(uint32(t.PID), target, false)
	if err != nil || status != mailbox.StatusOK {
		return uint32(status)
	}
	st, msg := e.mailboxes.TryRecv(h)
	if st != mailbox.StatusOK {
		return 0
	}
	n := uint32(len(msg.Payload))
	if n > maxlen {
		n = maxlen
	}
	for i := uint32(0); i < n; i++ {
		t.mem.Write8(addr+i, msg.Payload[i])
	}
	return n
}

// handleExec implements module 0x06: sleep (§4.5's SLEEPING state and
// timer heap).
func (e *Executive) handleExec(t *Task, trap minivm.SyscallTrap) {
	switch trap.Func {
	case 0x00: // sleep
		ms := trap.Args[0]
		e.sleepTask(t, time.Duration(ms)*time.Millisecond)
		e.setR0(t, 0)
	default:
		e.setR0(t, StatusENOSYS)
	}
}

func (e *Executive) sleepTask(t *Task, d time.Duration) {
	e.transition(t, StateSleeping, "sleep", 0)
	deadline := e.now().Add(d)
	e.pushTimer(t.PID, deadline)
}

// handleMailbox implements module 0x05's open/bind/send/recv/peek/
// tap/close (§4.3). Target strings are resolved from the task's own
// rodata string pool (populated at load from the image's `.mailbox`
// metadata, §4.1), never passed as raw host strings across the trap
// boundary. Blocking recv/send is realised as: try the non-blocking
// op; on NO_DATA/WOULDBLOCK with a non-POLL timeout, register a waiter
// and move the task to WAIT_MBX (§4.5's "mailbox_wait" transition);
// the waiter's wake (mailbox.Manager delivering a message) or timeout
// (the scheduler's timer poll) completes the parked operation and
// writes its result before the task returns to READY.
func (e *Executive) handleMailbox(t *Task, trap minivm.SyscallTrap) {
	switch trap.Func {
	case 0x00: // open(target_offset, write)
		e.mailboxOpen(t, trap)
	case 0x01: // bind(target_offset, capacity, mode)
		e.mailboxBind(t, trap)
	case 0x02: // send(handle, addr, len, timeout_ms)
		e.mailboxSend(t, trap)
	case 0x03: // recv(handle, addr, maxlen, timeout_ms)
		e.mailboxRecv(t, trap)
	case 0x04: // peek(handle)
		e.mailboxPeek(t, trap)
	case 0x05: // tap(handle, enable)
		e.mailboxTap(t, trap)
	case 0x06: // close(handle)
		e.mailboxClose(t, trap)
	default:
		e.setR0(t, StatusENOSYS)
	}
}

func (e *Executive) mailboxOpen(t *Task, trap minivm.SyscallTrap) {
	target := t.Strings.String(uint16(trap.Args[0]))
	status, h, err := e.mailboxes.Open(uint32(t.PID), target, trap.Args[1] != 0)
	if err != nil {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	e.setR0(t, mailboxStatusCode(status))
	if status == mailbox.StatusOK {
		t.storeHandleLocked(h)
		e.setR1(t, uint32(h.ID()))
	}
}

func (e *Executive) mailboxBind(t *Task, trap minivm.SyscallTrap) {
	target := t.Strings.String(uint16(trap.Args[0]))
	capacity := int(trap.Args[1])
	mode := mailbox.Mode(trap.Args[2])
	status, _, h, err := e.mailboxes.Bind(uint32(t.PID), target, capacity, mode)
	if err != nil {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	e.setR0(t, mailboxStatusCode(status))
	if status == mailbox.StatusOK {
		t.storeHandleLocked(h)
		e.setR1(t, uint32(h.ID()))
	}
}

func (e *Executive) mailboxSend(t *Task, trap minivm.SyscallTrap) {
	h, ok := t.mailHandles[trap.Args[0]]
	if !ok {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	addr, length := trap.Args[1], trap.Args[2]
	buf := make([]byte, length)
	for i := range buf {
		b, ok := t.mem.Read8(addr + uint32(i))
		if !ok {
			e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
			return
		}
		buf[i] = b
	}

	status, n, woken := e.mailboxes.TrySend(h, buf, 0, trap.Args[4])
	e.wakeFromMailbox(woken)
	if status == mailbox.StatusWouldBlock {
		if e.parkOnMailboxLocked(t, h, false, addr, length, mailbox.Timeout(trap.Args[3])) {
			return // parked in WAIT_MBX; R0/R1 are set when it wakes
		}
	}
	e.setR0(t, mailboxStatusCode(status))
	e.setR1(t, uint32(n))
}

func (e *Executive) mailboxRecv(t *Task, trap minivm.SyscallTrap) {
	h, ok := t.mailHandles[trap.Args[0]]
	if !ok {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	addr, maxlen := trap.Args[1], trap.Args[2]

	status, msg := e.mailboxes.TryRecv(h)
	if status == mailbox.StatusNoData {
		if e.parkOnMailboxLocked(t, h, true, addr, maxlen, mailbox.Timeout(trap.Args[3])) {
			return // parked in WAIT_MBX; R0/R1 are set when it wakes
		}
		e.setR0(t, mailboxStatusCode(status))
		e.setR1(t, 0)
		return
	}
	e.setR0(t, mailboxStatusCode(status))
	if status == mailbox.StatusOK {
		e.setR1(t, copyMessageInto(t, addr, maxlen, msg))
	}
}

func (e *Executive) mailboxPeek(t *Task, trap minivm.SyscallTrap) {
	h, ok := t.mailHandles[trap.Args[0]]
	if !ok {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	status, depth, _, _ := e.mailboxes.Peek(h)
	e.setR0(t, mailboxStatusCode(status))
	e.setR1(t, uint32(depth))
}

func (e *Executive) mailboxTap(t *Task, trap minivm.SyscallTrap) {
	h, ok := t.mailHandles[trap.Args[0]]
	if !ok {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	status, tapHandle := e.mailboxes.Tap(h, trap.Args[1] != 0)
	e.setR0(t, mailboxStatusCode(status))
	if status == mailbox.StatusOK {
		t.storeHandleLocked(tapHandle)
		e.setR1(t, uint32(tapHandle.ID()))
	}
}

func (e *Executive) mailboxClose(t *Task, trap minivm.SyscallTrap) {
	h, ok := t.mailHandles[trap.Args[0]]
	if !ok {
		e.setR0(t, mailboxStatusCode(mailbox.StatusInvalidHandle))
		return
	}
	status := e.mailboxes.Close(h)
	delete(t.mailHandles, trap.Args[0])
	e.setR0(t, mailboxStatusCode(status))
}

// parkOnMailboxLocked registers t as a waiter on h and moves it to
// WAIT_MBX, unless timeout is POLL (no waiting at all, the caller's
// non-blocking result stands). Returns whether the task was parked.
func (e *Executive) parkOnMailboxLocked(t *Task, h mailbox.Handle, recv bool, addr, length uint32, timeout mailbox.Timeout) bool {
	deadline, infinite, poll := timeout.Deadline(e.now())
	if poll {
		return false
	}
	waiterID, status := e.mailboxes.RegisterWaiter(h, recv, deadline, infinite)
	if status != mailbox.StatusOK {
		return false
	}
	t.WaiterID = waiterID
	t.WaitDeadline = deadline.UnixNano()
	t.WaitInfinite = infinite
	t.PendingMailbox = &PendingMailboxOp{Recv: recv, Handle: h, Addr: addr, Length: length}
	e.transition(t, StateWaitMbx, "mailbox_wait", 0)
	return true
}

// completeMailboxWaitLocked finishes a parked mailbox operation once
// its waiter wakes (message arrived) or its deadline passed, writing
// the SVC's result registers before the task returns to READY — the
// SVC instruction itself already retired when the task parked, so this
// is the only remaining chance to set R0/R1 for that call.
func (e *Executive) completeMailboxWaitLocked(t *Task, status mailbox.Status) {
	op := t.PendingMailbox
	t.PendingMailbox = nil
	t.WaiterID = 0
	t.WaitDeadline = 0
	t.WaitInfinite = false

	switch {
	case op == nil:
		// Nothing to finish (e.g. a stdio-only wake); fall through to
		// the READY transition below.
	case status == mailbox.StatusTimeout:
		e.setR0(t, mailboxStatusCode(mailbox.StatusTimeout))
		e.setR1(t, 0)
	case op.Recv:
		st, msg := e.mailboxes.TryRecv(op.Handle)
		e.setR0(t, mailboxStatusCode(st))
		if st == mailbox.StatusOK {
			e.setR1(t, copyMessageInto(t, op.Addr, op.Length, msg))
		}
	default: // blocking send
		buf := make([]byte, op.Length)
		for i := range buf {
			b, _ := t.mem.Read8(op.Addr + uint32(i))
			buf[i] = b
		}
		st, n, woken := e.mailboxes.TrySend(op.Handle, buf, 0, 0)
		e.setR0(t, mailboxStatusCode(st))
		e.setR1(t, uint32(n))
		e.wakeFromMailbox(woken)
	}

	e.transition(t, StateReady, "mailbox_wake", 0)
	e.enqueueReady(t.PID)
}

func copyMessageInto(t *Task, addr, maxlen uint32, msg mailbox.Message) uint32 {
	n := uint32(len(msg.Payload))
	if n > maxlen {
		n = maxlen
	}
	for i := uint32(0); i < n; i++ {
		t.mem.Write8(addr+i, msg.Payload[i])
	}
	return n
}

// OpenNamed is the API-level mailbox open used by tests and adapters
// (e.g. the stdio bridge) that already know the target string,
// bypassing SVC string-table decoding.
func (e *Executive) OpenNamed(pid PID, target string, write bool) (mailbox.Status, mailbox.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, h, _ := e.mailboxes.Open(uint32(pid), target, write)
	return status, h
}

// MailboxBind implements the control plane's `mailbox{op:"bind"}`,
// mirroring module 0x05's bind() for callers outside the VM.
func (e *Executive) MailboxBind(pid PID, target string, capacity int, mode mailbox.Mode) (mailbox.Status, mailbox.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, _, h, err := e.mailboxes.Bind(uint32(pid), target, capacity, mode)
	return status, h, err
}

// MailboxPeek implements `mailbox{op:"peek"}`.
func (e *Executive) MailboxPeek(pid PID, target string) (status mailbox.Status, depth, bytesUsed, nextLen int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, h, err := e.mailboxes.Open(uint32(pid), target, false)
	if err != nil || status != mailbox.StatusOK {
		return status, 0, 0, 0, err
	}
	status, depth, bytesUsed, nextLen = e.mailboxes.Peek(h)
	return status, depth, bytesUsed, nextLen, nil
}

// MailboxRecv implements `mailbox{op:"recv"}`: a non-blocking recv
// driven from outside the VM, used to drain a shared: fan-out target
// from the control plane (§8 scenario 2).
func (e *Executive) MailboxRecv(pid PID, target string) (mailbox.Status, mailbox.Message, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, h, err := e.mailboxes.Open(uint32(pid), target, false)
	if err != nil || status != mailbox.StatusOK {
		return status, mailbox.Message{}, err
	}
	status, msg := e.mailboxes.TryRecv(h)
	return status, msg, nil
}

// MailboxSend implements the `send{}` RPC: opens (or attaches to) the
// named target and enqueues payload, waking any parked recv waiter.
func (e *Executive) MailboxSend(pid PID, target string, payload []byte, channel uint32) (mailbox.Status, int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	status, h, err := e.mailboxes.Open(uint32(pid), target, true)
	if err != nil || status != mailbox.StatusOK {
		return status, 0, err
	}
	status, n, woken := e.mailboxes.TrySend(h, payload, 0, channel)
	e.wakeFromMailbox(woken)
	return status, n, nil
}

func mailboxStatusCode(s mailbox.Status) uint32 { return uint32(s) }

// handleValue implements module 0x07 (§4.4).
func (e *Executive) handleValue(t *Task, trap minivm.SyscallTrap) {
	switch trap.Func {
	case 0x03: // get(oid)
		oid := registry.OID(trap.Args[0])
		status, half := e.values.Get(uint32(t.PID), 1, oid)
		e.setR0(t, uint32(status))
		_ = half // a full build would place half into a second result register
	case 0x04: // set(oid, half)
		oid := registry.OID(trap.Args[0])
		status, deliveries := e.values.Set(uint32(t.PID), 1, oid, uint16(trap.Args[1]), minivm.HalfToFloat32)
		e.deliverValueNotifications(deliveries)
		e.setR0(t, uint32(status))
	case 0x05: // sub(oid, mailbox_target) — target comes from the value's own svc: namespace string, resolved by the executive's subscribe RPC rather than a raw pointer argument here
		oid := registry.OID(trap.Args[0])
		target := fmt.Sprintf("svc:value.sub@%d", t.PID)
		e.setR0(t, uint32(e.values.Subscribe(oid, target)))
	case 0x06: // persist(oid, mode)
		oid := registry.OID(trap.Args[0])
		e.setR0(t, uint32(e.values.PersistValue(oid, registry.PersistMode(trap.Args[1]))))
	default:
		e.setR0(t, StatusENOSYS)
	}
}

func (e *Executive) deliverValueNotifications(deliveries []registry.Delivery) {
	for _, d := range deliveries {
		status, h, _ := e.mailboxes.Open(0, d.Target, true)
		if status != mailbox.StatusOK {
			continue
		}
		payload := []byte{d.Payload.Type, byte(d.Payload.OID), byte(d.Payload.OID >> 8), byte(d.Payload.NewHalf), byte(d.Payload.NewHalf >> 8)}
		st, _, woken := e.mailboxes.TrySend(h, payload, 0, 0)
		if st != mailbox.StatusOK {
			e.values.PruneSubscriber(d.Payload.OID, d.Target)
		}
		e.wakeFromMailbox(woken)
	}
}

// wakeFromMailbox resumes every task a send/recv just unblocked. A
// waiter with a PendingMailbox continuation (a VM task parked by
// handleMailbox) is finished through completeMailboxWaitLocked so its
// SVC's R0/R1 get written; a waiter with none (e.g. a future
// non-SVC consumer) is simply moved back to READY.
func (e *Executive) wakeFromMailbox(woken []mailbox.WakeEvent) {
	for _, w := range woken {
		pid := PID(w.PID)
		tk, ok := e.tasks[pid]
		if !ok || tk.State != StateWaitMbx {
			continue
		}
		if tk.PendingMailbox != nil {
			e.completeMailboxWaitLocked(tk, w.Status)
			continue
		}
		e.transition(tk, StateReady, "mailbox_wake", 0)
		e.enqueueReady(pid)
	}
}

// handleCommand implements module 0x08 (§4.4).
func (e *Executive) handleCommand(t *Task, trap minivm.SyscallTrap) {
	switch trap.Func {
	case 0x02: // call(oid, token)
		oid := registry.OID(trap.Args[0])
		cmd, ok := e.values.Command(oid)
		if !ok {
			e.setR0(t, uint32(registry.StatusENOENT))
			return
		}
		owner, ok := e.tasks[PID(cmd.OwnerPID)]
		if !ok {
			e.setR0(t, uint32(registry.StatusENOENT))
			return
		}
		owner.ctx.PC = cmd.CodeOffset
		e.setR0(t, uint32(registry.StatusOK))
	default:
		e.setR0(t, StatusENOSYS)
	}
}
