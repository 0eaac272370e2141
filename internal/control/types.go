// Package control implements the control plane (§4.6): a line-delimited
// JSON TCP server, a session registry with PID locks and keepalive, and
// an event broadcaster with bounded per-subscriber queues.
//
// Grounded on the teacher's runtime_ipc.go (accept-loop-per-connection,
// JSON request/response over a socket, deadline-based liveness) and
// debug_monitor.go (a single authority mediating many debuggable
// targets through small typed commands), generalized from a Unix
// socket single-command protocol to a persistent multi-session TCP RPC
// surface.
package control

import "encoding/json"

// Envelope is the common shape of every request and response (§4.6's
// "each object must include version and cmd").
type Envelope struct {
	Version int             `json:"version"`
	Cmd     string          `json:"cmd"`
	Session string          `json:"session,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the common shape of every reply.
type Response struct {
	Status string `json:"status"` // "ok" | "error"
	Cmd    string `json:"cmd,omitempty"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

func ok(cmd string, result any) Response {
	return Response{Status: "ok", Cmd: cmd, Result: result}
}

func errResp(cmd, code string) Response {
	return Response{Status: "error", Cmd: cmd, Error: code}
}

// Stable error codes (§4.6).
const (
	errUnsupportedVersion = "unsupported_version"
	errPIDLocked          = "pid_locked"
	errSessionRequired    = "session_required"
	errSeqEvicted         = "seq_evicted"
	errUnsupportedCommand = "unsupported_category"
	errBadParams          = "bad_params"
	errNoSuchPID          = "no_such_pid"
)

// mutatingCommands requires the caller's session to own the affected
// PID (§4.6's "Mutating RPCs ... require the caller's session to own
// the affected PID").
var mutatingCommands = map[string]bool{
	"pause": true, "resume": true, "kill": true, "step": true,
	"trace": true, "poke": true, "sched": true, "bp": true, "watch": true,
	"vm_reg_set": true, "backstep": true, "persist": true,
	"mailbox": true, "send": true,
}
