package control

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hanseinar/hsx/internal/executive"
	"github.com/hanseinar/hsx/internal/hxe"
	"github.com/hanseinar/hsx/internal/mailbox"
)

// Dispatcher routes one decoded Envelope to the executive and session
// registry, producing a Response. It holds no per-connection state —
// a Server constructs one per listener and shares it across
// connections, the same "one authority, many callers" shape as the
// teacher's debug_monitor.go.
type Dispatcher struct {
	exec        *executive.Executive
	sessions    *Registry
	broadcaster *Broadcaster
}

// NewDispatcher builds a Dispatcher over an already-constructed
// executive, session registry, and event broadcaster.
func NewDispatcher(exec *executive.Executive, sessions *Registry, b *Broadcaster) *Dispatcher {
	return &Dispatcher{exec: exec, sessions: sessions, broadcaster: b}
}

// Dispatch decodes env.Params into the handler's expected shape and
// runs it, enforcing version, session, and PID-lock requirements
// first (§4.6).
func (d *Dispatcher) Dispatch(env Envelope, push func(Response) error) Response {
	if env.Cmd != "ping" && env.Version != 0 && env.Version != 1 {
		return errResp(env.Cmd, fmt.Sprintf("%s:%d", errUnsupportedVersion, env.Version))
	}

	if mutatingCommands[env.Cmd] {
		if env.Session == "" {
			return errResp(env.Cmd, errSessionRequired)
		}
		if pid, ok := pidOf(env.Params); ok {
			if err := d.sessions.Owns(env.Session, pid); err != nil {
				return errResp(env.Cmd, err.Error())
			}
		}
	}

	switch env.Cmd {
	case "ping":
		return ok(env.Cmd, map[string]string{"pong": "1"})

	case "session.open":
		var p OpenParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			return errResp(env.Cmd, errBadParams)
		}
		res, err := d.sessions.Open(p)
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, res)

	case "session.keepalive":
		if err := d.sessions.Keepalive(env.Session); err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, nil)

	case "session.close":
		d.sessions.Close(env.Session)
		d.broadcaster.Unsubscribe(env.Session)
		return ok(env.Cmd, nil)

	case "load", "exec":
		return d.load(env)

	case "ps":
		return ok(env.Cmd, d.ps())

	case "info":
		return d.info(env)

	case "step":
		return d.step(env)

	case "clock":
		return d.clock(env)

	case "bp":
		return d.bp(env)

	case "backstep":
		return d.backstep(env)

	case "watch":
		return d.watch(env)

	case "pause":
		return d.pauseResume(env, true)

	case "resume":
		return d.pauseResume(env, false)

	case "kill":
		return d.kill(env)

	case "dumpregs":
		return d.dumpregs(env)

	case "vm_reg_get":
		return d.regGet(env)

	case "vm_reg_set":
		return d.regSet(env)

	case "peek":
		return d.peek(env)

	case "poke":
		return d.poke(env)

	case "sched":
		return d.sched(env)

	case "events.subscribe":
		return d.subscribe(env, push)

	case "events.unsubscribe":
		d.broadcaster.Unsubscribe(env.Session)
		return ok(env.Cmd, nil)

	case "events.ack":
		var p struct {
			Seq int64 `json:"seq"`
		}
		json.Unmarshal(env.Params, &p)
		d.broadcaster.Ack(env.Session, p.Seq)
		return ok(env.Cmd, nil)

	case "shutdown":
		return ok(env.Cmd, map[string]string{"note": "shutdown initiated"})

	case "disasm":
		return d.disasm(env)

	case "sym", "symbols":
		return d.sym(env)

	case "persist":
		return d.persist(env)

	case "mailbox":
		return d.mailbox(env)

	case "send":
		return d.send(env)

	// attach/detach/trace/vm_trace_last/stack/memory/restart are not
	// wired in this build (§6's HAL/adapter boundary); they echo the
	// spec's stable error rather than silently no-opping.
	default:
		return errResp(env.Cmd, errUnsupportedCommand+":"+env.Cmd)
	}
}

func pidOf(params json.RawMessage) (uint32, bool) {
	var p struct {
		PID *uint32 `json:"pid"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.PID == nil {
		return 0, false
	}
	return *p.PID, true
}

func (d *Dispatcher) load(env Envelope) Response {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || p.Path == "" {
		return errResp(env.Cmd, errBadParams)
	}
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return errResp(env.Cmd, "read_failed:"+err.Error())
	}
	img, err := hxe.Parse(raw)
	if err != nil {
		return errResp(env.Cmd, "parse_failed:"+err.Error())
	}
	pid, err := d.exec.LoadImage(img)
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	symPath := strings.TrimSuffix(p.Path, ".hxe") + ".sym"
	if _, err := os.Stat(symPath); err == nil {
		_ = d.exec.AttachSymbols(pid, symPath)
	}
	return ok(env.Cmd, map[string]any{"pid": pid})
}

func (d *Dispatcher) ps() []map[string]any {
	tasks := d.exec.ListTasks()
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, map[string]any{
			"pid": t.PID, "state": t.State.String(), "app_name": t.AppName,
		})
	}
	return out
}

func (d *Dispatcher) info(env Envelope) Response {
	if pid, ok := pidOf(env.Params); ok {
		t, found := d.exec.Task(executive.PID(pid))
		if !found {
			return errResp(env.Cmd, errNoSuchPID)
		}
		return ok(env.Cmd, map[string]any{
			"pid": t.PID, "state": t.State.String(), "app_name": t.AppName, "entry": t.EntryPC,
		})
	}
	return ok(env.Cmd, map[string]any{"tasks": d.ps()})
}

func (d *Dispatcher) step(env Envelope) Response {
	var p struct {
		Steps int     `json:"steps"`
		PID   *uint32 `json:"pid"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || p.Steps <= 0 {
		return errResp(env.Cmd, errBadParams)
	}
	var pid *executive.PID
	if p.PID != nil {
		v := executive.PID(*p.PID)
		pid = &v
	}
	executed := d.exec.StepN(p.Steps, pid)
	return ok(env.Cmd, map[string]any{"executed": executed})
}

func (d *Dispatcher) clock(env Envelope) Response {
	var p struct {
		Op    string  `json:"op"`
		Steps int     `json:"steps"`
		PID   *uint32 `json:"pid"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	var pid *executive.PID
	if p.PID != nil {
		v := executive.PID(*p.PID)
		pid = &v
	}
	switch p.Op {
	case "step":
		if p.Steps <= 0 {
			p.Steps = 1
		}
		return ok(env.Cmd, map[string]any{"executed": d.exec.StepN(p.Steps, pid)})
	case "start", "stop", "rate":
		// A background auto-clock thread is an optional deployment
		// choice (§4.5); this build drives stepping only via explicit
		// step/clock.step RPCs, so start/stop/rate are accepted as
		// no-ops rather than spawning a goroutine under the caller's
		// control-plane connection.
		return ok(env.Cmd, map[string]any{"op": p.Op, "note": "driven externally via clock.step"})
	default:
		return errResp(env.Cmd, errBadParams)
	}
}

func (d *Dispatcher) bp(env Envelope) Response {
	var p struct {
		Op        string `json:"op"`
		PID       uint32 `json:"pid"`
		Addr      uint32 `json:"addr"`
		Condition *struct {
			Reg   *int    `json:"reg"`
			Addr  *uint32 `json:"addr"`
			Op    string  `json:"op"`
			Value uint32  `json:"value"`
		} `json:"condition"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	pid := executive.PID(p.PID)
	switch p.Op {
	case "set":
		var err error
		switch {
		case p.Condition != nil:
			err = d.exec.SetConditionalBreakpoint(pid, p.Addr, &executive.Condition{
				Reg: p.Condition.Reg, Addr: p.Condition.Addr, Op: p.Condition.Op, Value: p.Condition.Value,
			})
		default:
			err = d.exec.SetBreakpoint(pid, p.Addr)
		}
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
	case "run_until":
		if err := d.exec.SetRunUntil(pid, p.Addr); err != nil {
			return errResp(env.Cmd, err.Error())
		}
	case "clear":
		if err := d.exec.ClearBreakpoint(pid, p.Addr); err != nil {
			return errResp(env.Cmd, err.Error())
		}
	case "list":
		addrs, err := d.exec.ListBreakpoints(pid)
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, map[string]any{"addrs": addrs})
	default:
		return errResp(env.Cmd, errBadParams)
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) backstep(env Envelope) Response {
	var p struct {
		PID   uint32 `json:"pid"`
		Steps int    `json:"steps"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || p.Steps <= 0 {
		return errResp(env.Cmd, errBadParams)
	}
	if err := d.exec.Backstep(executive.PID(p.PID), p.Steps); err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) watch(env Envelope) Response {
	var p struct {
		Op     string `json:"op"`
		PID    uint32 `json:"pid"`
		Expr   string `json:"expr"`
		Addr   uint32 `json:"addr"`
		Length int    `json:"length"`
		ID     int    `json:"id"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	pid := executive.PID(p.PID)
	switch p.Op {
	case "set":
		w, err := d.exec.SetWatch(pid, p.Expr, p.Addr, p.Length)
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, map[string]any{"id": w.ID})
	case "clear":
		if err := d.exec.ClearWatch(pid, p.ID); err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, nil)
	default:
		return errResp(env.Cmd, errBadParams)
	}
}

func (d *Dispatcher) pauseResume(env Envelope, pause bool) Response {
	pid, ok := pidOf(env.Params)
	if !ok {
		return errResp(env.Cmd, errBadParams)
	}
	var err error
	if pause {
		err = d.exec.Pause(executive.PID(pid))
	} else {
		err = d.exec.Resume(executive.PID(pid))
	}
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) kill(env Envelope) Response {
	pid, ok := pidOf(env.Params)
	if !ok {
		return errResp(env.Cmd, errBadParams)
	}
	if err := d.exec.Kill(executive.PID(pid)); err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) dumpregs(env Envelope) Response {
	pid, ok := pidOf(env.Params)
	if !ok {
		return errResp(env.Cmd, errBadParams)
	}
	regs, pc, sp, psw, err := d.exec.Dumpregs(executive.PID(pid))
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, map[string]any{"regs": regs, "pc": pc, "sp": sp, "psw": psw})
}

func (d *Dispatcher) regGet(env Envelope) Response {
	var p struct {
		Reg int    `json:"reg"`
		PID uint32 `json:"pid"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	v, err := d.exec.RegisterGet(executive.PID(p.PID), p.Reg)
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, map[string]any{"value": v})
}

func (d *Dispatcher) regSet(env Envelope) Response {
	var p struct {
		Reg   int    `json:"reg"`
		Value uint32 `json:"value"`
		PID   uint32 `json:"pid"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	if err := d.exec.RegisterSet(executive.PID(p.PID), p.Reg, p.Value); err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) peek(env Envelope) Response {
	var p struct {
		PID    uint32 `json:"pid"`
		Addr   uint32 `json:"addr"`
		Length int    `json:"length"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	data, err := d.exec.Peek(executive.PID(p.PID), p.Addr, p.Length)
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, map[string]any{"data": data})
}

func (d *Dispatcher) poke(env Envelope) Response {
	var p struct {
		PID  uint32 `json:"pid"`
		Addr uint32 `json:"addr"`
		Data []byte `json:"data"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	if err := d.exec.Poke(executive.PID(p.PID), p.Addr, p.Data); err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) sched(env Envelope) Response {
	var p struct {
		PID     uint32 `json:"pid"`
		Quantum int    `json:"quantum"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	if p.Quantum > 0 {
		if err := d.exec.SetTimeSliceWeight(executive.PID(p.PID), p.Quantum); err != nil {
			return errResp(env.Cmd, err.Error())
		}
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) subscribe(env Envelope, push func(Response) error) Response {
	var p struct {
		Ring     int   `json:"ring"`
		SinceSeq int64 `json:"since_seq"`
	}
	json.Unmarshal(env.Params, &p)
	if p.Ring <= 0 {
		p.Ring = 512
	}
	if err := d.broadcaster.Subscribe(env.Session, p.Ring, p.SinceSeq, push); err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

func (d *Dispatcher) disasm(env Envelope) Response {
	var p struct {
		PID   uint32 `json:"pid"`
		Addr  uint32 `json:"addr"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || p.Count <= 0 {
		return errResp(env.Cmd, errBadParams)
	}
	lines, err := d.exec.Disassemble(executive.PID(p.PID), p.Addr, p.Count)
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, map[string]any{"lines": lines})
}

func (d *Dispatcher) sym(env Envelope) Response {
	var p struct {
		Op   string `json:"op"`
		PID  uint32 `json:"pid"`
		Path string `json:"path"`
		Addr uint32 `json:"addr"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	pid := executive.PID(p.PID)
	switch p.Op {
	case "load":
		if p.Path == "" {
			return errResp(env.Cmd, errBadParams)
		}
		if err := d.exec.AttachSymbols(pid, p.Path); err != nil {
			return errResp(env.Cmd, "load_failed:"+err.Error())
		}
		return ok(env.Cmd, nil)
	case "resolve":
		name, found := d.exec.ResolveSymbol(pid, p.Addr)
		return ok(env.Cmd, map[string]any{"found": found, "name": name})
	case "lookup":
		addr, found := d.exec.LookupSymbol(pid, p.Name)
		return ok(env.Cmd, map[string]any{"found": found, "addr": addr})
	default:
		return errResp(env.Cmd, errBadParams)
	}
}

// persist implements `persist{pid, oid, mode}` by proxying to the same
// registry path an in-VM SVC 0x07/0x06 call would take, letting an
// external tool flag a value for FRAM persistence without the owning
// task doing it itself.
func (d *Dispatcher) persist(env Envelope) Response {
	var p struct {
		OID  int32 `json:"oid"`
		Mode int   `json:"mode"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		return errResp(env.Cmd, errBadParams)
	}
	if err := d.exec.PersistValue(p.OID, p.Mode); err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, nil)
}

// mailbox implements `mailbox{op, pid, target, capacity, mode}` (§4.3/
// §4.6): bind/peek/recv driven from outside the VM, the only way a
// control-plane client reaches the IPC layer without its own task.
func (d *Dispatcher) mailbox(env Envelope) Response {
	var p struct {
		Op       string `json:"op"`
		PID      uint32 `json:"pid"`
		Target   string `json:"target"`
		Capacity int    `json:"capacity"`
		Mode     uint32 `json:"mode"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || p.Target == "" {
		return errResp(env.Cmd, errBadParams)
	}
	pid := executive.PID(p.PID)
	switch p.Op {
	case "bind":
		status, h, err := d.exec.MailboxBind(pid, p.Target, p.Capacity, mailbox.Mode(p.Mode))
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, map[string]any{"status": status.String(), "handle": h.ID()})
	case "peek":
		status, depth, bytesUsed, nextLen, err := d.exec.MailboxPeek(pid, p.Target)
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, map[string]any{
			"status": status.String(), "depth": depth, "bytes_used": bytesUsed, "next_len": nextLen,
		})
	case "recv":
		status, msg, err := d.exec.MailboxRecv(pid, p.Target)
		if err != nil {
			return errResp(env.Cmd, err.Error())
		}
		return ok(env.Cmd, map[string]any{
			"status": status.String(), "payload": msg.Payload, "channel": msg.Channel, "src_pid": msg.SrcPID,
		})
	default:
		return errResp(env.Cmd, errBadParams)
	}
}

// send implements `send{pid, target, payload, channel}` (§4.3/§4.6),
// a non-blocking write onto a named mailbox target from outside the
// VM — how a control-plane client feeds a shared: fan-out mailbox in
// a multi-consumer scenario.
func (d *Dispatcher) send(env Envelope) Response {
	var p struct {
		PID     uint32 `json:"pid"`
		Target  string `json:"target"`
		Payload []byte `json:"payload"`
		Channel uint32 `json:"channel"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil || p.Target == "" {
		return errResp(env.Cmd, errBadParams)
	}
	status, n, err := d.exec.MailboxSend(executive.PID(p.PID), p.Target, p.Payload, p.Channel)
	if err != nil {
		return errResp(env.Cmd, err.Error())
	}
	return ok(env.Cmd, map[string]any{"status": status.String(), "written": n})
}

// PumpExecutiveEvents drains the executive's event queue and publishes
// each onto the broadcaster; PumpEvery calls this once per tick so
// every connection's subscription sees the same feed.
func (d *Dispatcher) PumpExecutiveEvents() {
	for _, ev := range d.exec.Events() {
		d.broadcaster.Publish(ev.Type, ev.Data)
	}
}
