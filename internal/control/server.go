package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/hanseinar/hsx/internal/hsxlog"
	"golang.org/x/sync/errgroup"
)

// Server is the control plane's TCP front door: one accept loop
// spawning one goroutine pair (reader + writer) per connection, the
// same shape as the teacher's IPCServer generalized from a single
// request-response Unix socket to a persistent multi-session,
// event-streaming TCP protocol.
type Server struct {
	log        hsxlog.Logger
	dispatcher *Dispatcher
	sessions   *Registry

	listener net.Listener
}

// NewServer binds a TCP listener at addr. Call Serve to start
// accepting connections.
func NewServer(log hsxlog.Logger, addr string, dispatcher *Dispatcher, sessions *Registry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{log: log, dispatcher: dispatcher, sessions: sessions, listener: ln}, nil
}

// Addr returns the bound listen address (useful when addr was ":0").
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Every connection is handled under the errgroup; a connection
// handler always returns nil, so an error in one connection neither
// cancels the others nor surfaces from the group. Panics are not
// recovered.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return s.listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.handleConn(ctx, conn)
				return nil
			})
		}
	})

	return g.Wait()
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// connWriter serialises writes to one connection so event push frames
// (from the broadcaster, on its own goroutine) never interleave with a
// command's response (§5: "socket writes happen outside the lock", and
// within a connection, outside each other too).
type connWriter struct {
	enc *json.Encoder
	out chan Response
	done chan struct{}
}

func newConnWriter(conn net.Conn) *connWriter {
	w := &connWriter{enc: json.NewEncoder(conn), out: make(chan Response, 256), done: make(chan struct{})}
	go w.run()
	return w
}

func (w *connWriter) run() {
	defer close(w.done)
	for resp := range w.out {
		if w.enc.Encode(resp) != nil {
			return
		}
	}
}

func (w *connWriter) send(resp Response) error {
	select {
	case w.out <- resp:
		return nil
	default:
		return errWriteBackpressure
	}
}

func (w *connWriter) close() { close(w.out); <-w.done }

var errWriteBackpressure = &simpleErr{"write_backpressure"}

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var sessionID string
	w := newConnWriter(conn)
	defer func() {
		w.close()
		if sessionID != "" {
			s.sessions.Close(sessionID)
			s.dispatcher.broadcaster.Unsubscribe(sessionID)
		}
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), 1<<20)

	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			w.send(errResp("", errBadParams))
			continue
		}

		if env.Cmd == "session.open" {
			// A session.open reply carries the new session id; it is
			// recorded below so the session and its subscription are
			// released when this connection closes.
		}

		resp := s.dispatcher.Dispatch(env, w.send)
		if env.Cmd == "session.open" && resp.Status == "ok" {
			if res, ok := resp.Result.(OpenResult); ok {
				sessionID = res.ID
			}
		}
		if resp.Cmd == "" {
			resp.Cmd = env.Cmd
		}
		w.send(resp)
	}
}

// PumpEvery runs dispatcher.PumpExecutiveEvents on a fixed tick until
// ctx is cancelled, decoupling event production from any one
// connection's lifetime.
func PumpEvery(ctx context.Context, d *Dispatcher, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.PumpExecutiveEvents()
		}
	}
}
