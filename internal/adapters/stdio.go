package adapters

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hanseinar/hsx/internal/mailbox"
)

// StdioBridge pumps a task's `svc:stdio.{in,out,err}@pid` mailbox
// targets to and from host stdio, the out-of-process edge the
// executive core has no business knowing about (§4.3, §6's HAL
// boundary).
type StdioBridge struct {
	mailboxes       *mailbox.Manager
	pid             uint32
	out, errW       io.Writer
	in              io.Reader
	hOut, hErr, hIn mailbox.Handle
	stdinScanner    *bufio.Scanner
}

// NewStdioBridge opens one handle per stdio target, held for the
// bridge's lifetime rather than reopened every pump (each Open call
// allocates a fresh handle, so reopening per-tick would leak handles
// against the per-PID cap).
func NewStdioBridge(m *mailbox.Manager, pid uint32, stdin io.Reader, stdout, stderr io.Writer) (*StdioBridge, error) {
	b := &StdioBridge{mailboxes: m, pid: pid, out: stdout, errW: stderr, in: stdin, stdinScanner: bufio.NewScanner(stdin)}

	var err error
	if b.hOut, err = b.openOrFail(fmt.Sprintf("svc:stdio.out@%d", pid), true); err != nil {
		return nil, err
	}
	if b.hErr, err = b.openOrFail(fmt.Sprintf("svc:stdio.err@%d", pid), true); err != nil {
		return nil, err
	}
	if b.hIn, err = b.openOrFail(fmt.Sprintf("svc:stdio.in@%d", pid), true); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *StdioBridge) openOrFail(target string, write bool) (mailbox.Handle, error) {
	status, h, err := b.mailboxes.Open(b.pid, target, write)
	if err != nil {
		return mailbox.Handle{}, err
	}
	if status != mailbox.StatusOK {
		return mailbox.Handle{}, fmt.Errorf("adapters: open %s: %s", target, status)
	}
	return h, nil
}

// PumpOutbound drains any pending stdout/stderr messages to the host
// writers. `hsxd load` calls this after each batch of executed
// instructions; it never blocks.
func (b *StdioBridge) PumpOutbound() {
	drain(b.mailboxes, b.hOut, b.out)
	drain(b.mailboxes, b.hErr, b.errW)
}

func drain(m *mailbox.Manager, h mailbox.Handle, w io.Writer) {
	for {
		st, msg := m.TryRecv(h)
		if st != mailbox.StatusOK {
			return
		}
		w.Write(msg.Payload)
	}
}

// FeedStdin reads one line from the host's stdin reader and sends it
// into the task's stdin target, a cooperative push rather than a
// goroutine the VM would have to synchronise against.
func (b *StdioBridge) FeedStdin() (bool, error) {
	if !b.stdinScanner.Scan() {
		return false, b.stdinScanner.Err()
	}
	_, _, _ = b.mailboxes.TrySend(b.hIn, b.stdinScanner.Bytes(), 0, 0)
	return true, nil
}
