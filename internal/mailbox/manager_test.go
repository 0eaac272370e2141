package mailbox

import (
	"testing"
	"time"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

func newTestManager() *Manager {
	return NewManager(ProfileDesktop)
}

func requireStatus(t *testing.T, got, want Status) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %v, want %v", got, want)
	}
}

// ==============================================================================
// open / bind
// ==============================================================================

func TestOpenEmptyTargetResolvesToOwnPIDChannel(t *testing.T) {
	m := newTestManager()
	status, h, err := m.Open(7, "", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	requireStatus(t, status, StatusOK)

	status2, send, err := m.Open(9, "pid:7", true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	requireStatus(t, status2, StatusOK)

	sendStatus, n, _ := m.TrySend(send, []byte("hi"), 0, 0)
	requireStatus(t, sendStatus, StatusOK)
	if n != 2 {
		t.Fatalf("bytes sent = %d, want 2", n)
	}

	recvStatus, msg := m.TryRecv(h)
	requireStatus(t, recvStatus, StatusOK)
	if string(msg.Payload) != "hi" {
		t.Fatalf("payload = %q, want hi", msg.Payload)
	}
}

func TestBindRejectsFanoutOutsideShared(t *testing.T) {
	m := newTestManager()
	_, _, _, err := m.Bind(1, "app:foo", 64, ModeFanoutDrop)
	if err == nil {
		t.Fatal("expected error binding FANOUT_DROP on a non-shared target")
	}
}

func TestBindDescriptorExhaustionReturnsNoDescriptor(t *testing.T) {
	profile := Profile{Name: "tiny", MaxDescriptors: 1, MaxHandlesPerPID: 8}
	m := NewManager(profile)

	status, _, _, err := m.Bind(1, "shared:a", 64, ModeRead|ModeWrite)
	if err != nil || status != StatusOK {
		t.Fatalf("first bind: status=%v err=%v", status, err)
	}
	status, _, _, err = m.Bind(1, "shared:b", 64, ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("second bind: %v", err)
	}
	requireStatus(t, status, StatusNoDescriptor)
}

// ==============================================================================
// send / recv FIFO and fan-out
// ==============================================================================

func TestSendRecvFIFOOrder(t *testing.T) {
	m := newTestManager()
	_, h, _ := m.Open(1, "", true)

	for i, msg := range []string{"a", "b", "c"} {
		status, _, _ := m.TrySend(h, []byte(msg), 0, uint32(i))
		requireStatus(t, status, StatusOK)
	}
	for _, want := range []string{"a", "b", "c"} {
		status, msg := m.TryRecv(h)
		requireStatus(t, status, StatusOK)
		if string(msg.Payload) != want {
			t.Fatalf("recv = %q, want %q", msg.Payload, want)
		}
	}
	status, _ := m.TryRecv(h)
	requireStatus(t, status, StatusNoData)
}

func TestFanoutDropEvictsOldestOnFullRing(t *testing.T) {
	m := newTestManager()
	_, _, h, err := m.Bind(1, "shared:metrics", 40, ModeRead|ModeWrite|ModeFanoutDrop)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	// capacity 40, headerSize 16 => each 4-byte payload costs 20 bytes; two fit.
	m.TrySend(h, []byte("msg1"), 0, 0)
	m.TrySend(h, []byte("msg2"), 0, 0)
	status, _, _ := m.TrySend(h, []byte("msg3"), 0, 0)
	requireStatus(t, status, StatusOK)

	status, msg := m.TryRecv(h)
	requireStatus(t, status, StatusOK)
	if string(msg.Payload) != "msg2" {
		t.Fatalf("first surviving message = %q, want msg2 (msg1 should have been dropped)", msg.Payload)
	}
}

func TestSendWithoutFanoutReturnsWouldBlockWhenFull(t *testing.T) {
	m := newTestManager()
	_, _, h, _ := m.Bind(1, "shared:nofan", 20, ModeRead|ModeWrite)

	status, _, _ := m.TrySend(h, []byte("fits"), 0, 0)
	requireStatus(t, status, StatusOK)

	status, _, _ = m.TrySend(h, []byte("no room"), 0, 0)
	requireStatus(t, status, StatusWouldBlock)
}

func TestTapReceivesMirroredCopyWithoutConsuming(t *testing.T) {
	m := newTestManager()
	_, _, h, _ := m.Bind(1, "shared:topic", 256, ModeRead|ModeWrite)
	_, tapHandle := m.Tap(h, true)

	m.TrySend(h, []byte("event"), 0, 0)

	tapStatus, tapMsg := m.TryRecv(tapHandle)
	requireStatus(t, tapStatus, StatusOK)
	if string(tapMsg.Payload) != "event" {
		t.Fatalf("tap payload = %q, want event", tapMsg.Payload)
	}

	mainStatus, mainMsg := m.TryRecv(h)
	requireStatus(t, mainStatus, StatusOK)
	if string(mainMsg.Payload) != "event" {
		t.Fatalf("main recv should still see the message: %q", mainMsg.Payload)
	}
}

// ==============================================================================
// waiters and timeouts
// ==============================================================================

func TestWaiterWokenExactlyOnceOnSend(t *testing.T) {
	m := newTestManager()
	_, h, _ := m.Open(1, "", true)
	_, sendHandle, _ := m.Open(2, "pid:1", true)

	status, _ := m.TryRecv(h)
	requireStatus(t, status, StatusNoData)

	waiterID, regStatus := m.RegisterWaiter(h, true, time.Time{}, true)
	requireStatus(t, regStatus, StatusOK)

	_, _, woken := m.TrySend(sendHandle, []byte("x"), 0, 0)
	if len(woken) != 1 || woken[0].WaiterID != waiterID {
		t.Fatalf("woken = %+v, want exactly one wake for waiter %d", woken, waiterID)
	}
}

func TestRegisteredWaiterExpiresAfterDeadline(t *testing.T) {
	m := newTestManager()
	_, h, _ := m.Open(1, "", true)

	past := time.Now().Add(-time.Millisecond)
	waiterID, _ := m.RegisterWaiter(h, true, past, false)

	woken := m.PollTimeouts(time.Now())
	if len(woken) != 1 || woken[0].WaiterID != waiterID || woken[0].Status != StatusTimeout {
		t.Fatalf("PollTimeouts = %+v, want one TIMEOUT wake for waiter %d", woken, waiterID)
	}
	// a second poll must not re-report the same waiter
	if again := m.PollTimeouts(time.Now()); len(again) != 0 {
		t.Fatalf("PollTimeouts fired twice for the same waiter: %+v", again)
	}
}

// ==============================================================================
// PID teardown
// ==============================================================================

func TestPurgeOwnerClosesHandlesAndWaiters(t *testing.T) {
	m := newTestManager()
	_, h, _ := m.Open(5, "", true)
	m.RegisterWaiter(h, true, time.Time{}, true)

	m.PurgeOwner(5)

	status := m.Close(h)
	requireStatus(t, status, StatusInvalidHandle) // already gone

	// descriptor should be gone too since it had no other handles
	status, _, err := m.Open(9, "pid:5", true)
	if err != nil {
		t.Fatalf("reopening pid:5 after purge: %v", err)
	}
	requireStatus(t, status, StatusOK) // a fresh descriptor is created, not an error
}
