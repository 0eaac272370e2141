package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one connected client's identity: its negotiated
// capabilities, the PID it has locked (if any), and its liveness
// deadline (§4.6).
type Session struct {
	ID         string
	Client     string
	Features   []string
	MaxEvents  int
	HeartbeatS int
	PIDLock    *uint32

	deadline time.Time
}

// Registry tracks every open session and the PID locks they hold,
// mirroring the teacher's IPCServer's single-owner-per-resource model
// generalized to many concurrent sessions.
type Registry struct {
	mu sync.Mutex

	maxSessions int
	heartbeatDefault, heartbeatMin, heartbeatMax time.Duration
	eventRingDefault, eventRingMax int

	sessions map[string]*Session
	pidOwner map[uint32]string // pid -> session id
}

// NewRegistry builds an empty session registry bounded by the given
// config-derived limits.
func NewRegistry(maxSessions int, hbDefault, hbMin, hbMax time.Duration, ringDefault, ringMax int) *Registry {
	return &Registry{
		maxSessions:      maxSessions,
		heartbeatDefault: hbDefault, heartbeatMin: hbMin, heartbeatMax: hbMax,
		eventRingDefault: ringDefault, eventRingMax: ringMax,
		sessions: make(map[string]*Session),
		pidOwner: make(map[uint32]string),
	}
}

// OpenParams and OpenResult mirror session.open{}'s request/response.
type OpenParams struct {
	Client       string `json:"client"`
	Capabilities struct {
		Features  []string `json:"features"`
		MaxEvents int      `json:"max_events"`
	} `json:"capabilities"`
	PIDLock *uint32 `json:"pid_lock,omitempty"`
}

type OpenResult struct {
	ID         string   `json:"id"`
	HeartbeatS int      `json:"heartbeat_s"`
	Features   []string `json:"features"`
	PIDLock    *uint32  `json:"pid_lock,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// knownFeatures gates which capability names this build actually
// implements; anything else is echoed back as an unsupported_feature
// warning rather than silently accepted.
var knownFeatures = map[string]bool{
	"events": true, "trace": true, "watch": true, "mailbox": true,
}

// Open implements session.open (§4.6): clamps heartbeat/max_events to
// configured bounds and surfaces every clamp/unsupported-feature as a
// warning rather than failing the request.
func (r *Registry) Open(p OpenParams) (OpenResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.sessions) >= r.maxSessions {
		return OpenResult{}, fmt.Errorf("max_sessions_reached")
	}

	var warnings []string
	features := make([]string, 0, len(p.Capabilities.Features))
	for _, f := range p.Capabilities.Features {
		if knownFeatures[f] {
			features = append(features, f)
		} else {
			warnings = append(warnings, "unsupported_feature:"+f)
		}
	}

	heartbeat := r.heartbeatDefault
	if heartbeat < r.heartbeatMin {
		heartbeat = r.heartbeatMin
		warnings = append(warnings, "heartbeat_clamped")
	}
	if heartbeat > r.heartbeatMax {
		heartbeat = r.heartbeatMax
		warnings = append(warnings, "heartbeat_clamped")
	}

	maxEvents := p.Capabilities.MaxEvents
	if maxEvents <= 0 {
		maxEvents = r.eventRingDefault
	}
	if maxEvents > r.eventRingMax {
		maxEvents = r.eventRingMax
		warnings = append(warnings, "max_events_clamped")
	}

	if p.PIDLock != nil {
		if _, taken := r.pidOwner[*p.PIDLock]; taken {
			return OpenResult{}, fmt.Errorf("%s:%d", errPIDLocked, *p.PIDLock)
		}
	}

	s := &Session{
		ID: uuid.NewString(), Client: p.Client, Features: features,
		MaxEvents: maxEvents, HeartbeatS: int(heartbeat / time.Second),
		PIDLock: p.PIDLock, deadline: time.Now().Add(heartbeat * 3),
	}
	r.sessions[s.ID] = s
	if p.PIDLock != nil {
		r.pidOwner[*p.PIDLock] = s.ID
	}

	return OpenResult{
		ID: s.ID, HeartbeatS: s.HeartbeatS, Features: features,
		PIDLock: p.PIDLock, Warnings: warnings,
	}, nil
}

// Keepalive implements session.keepalive: refreshes the liveness
// deadline.
func (r *Registry) Keepalive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf(errSessionRequired)
	}
	s.deadline = time.Now().Add(time.Duration(s.HeartbeatS) * time.Second * 3)
	return nil
}

// Close implements session.close: releases PID locks and removes the
// session. Callers drop the associated event subscription separately.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(id)
}

func (r *Registry) closeLocked(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.PIDLock != nil {
		delete(r.pidOwner, *s.PIDLock)
	}
	delete(r.sessions, id)
}

// Get returns a copy of the session for a given id, or false.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Owns reports whether session id is permitted to mutate pid: either it
// holds no PID lock (unrestricted) or its lock matches pid exactly
// (§4.6: "require the caller's session to own the affected PID").
func (r *Registry) Owns(id string, pid uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf(errSessionRequired)
	}
	if s.PIDLock != nil && *s.PIDLock != pid {
		return fmt.Errorf("%s:%d", errPIDLocked, pid)
	}
	return nil
}

// SweepExpired closes every session whose heartbeat deadline has
// passed, returning their ids so subscriptions can be torn down too.
func (r *Registry) SweepExpired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, s := range r.sessions {
		if now.After(s.deadline) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		r.closeLocked(id)
	}
	return expired
}
