package control

import (
	"errors"
	"sync"
	"time"
)

// StoredEvent is one event appended to the shared log, tagged with a
// monotonic sequence number (§4.6's "events are appended once to a
// shared store").
type StoredEvent struct {
	Seq  int64     `json:"seq"`
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"-"`
}

// subscription is one session's bounded view into the shared event
// log: a ring buffer plus the cursor marking what it has acked.
type subscription struct {
	sessionID string
	ring      []StoredEvent
	ringCap   int
	drops     int64
	acked     int64 // highest seq the subscriber has acked
	pending   int
	sendFn    func(Response) error // delivers an events.push frame
}

// Broadcaster is the shared append-only event log plus the fan-out to
// every live subscription (§4.6).
type Broadcaster struct {
	mu sync.Mutex

	retention time.Duration
	log       []StoredEvent
	nextSeq   int64

	subs map[string]*subscription

	highWaterPending int
}

// NewBroadcaster builds an empty broadcaster with the given retention
// window.
func NewBroadcaster(retention time.Duration) *Broadcaster {
	return &Broadcaster{retention: retention, subs: make(map[string]*subscription), highWaterPending: 64}
}

// Publish appends one event to the shared log and fans it out to every
// subscription, dropping the oldest ring entry (and incrementing
// drops) on overflow.
func (b *Broadcaster) Publish(eventType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	ev := StoredEvent{Seq: b.nextSeq, Type: eventType, Data: data, At: time.Now()}
	b.log = append(b.log, ev)
	b.trimLocked()

	for id, sub := range b.subs {
		b.deliverLocked(id, sub, ev)
	}
}

func (b *Broadcaster) trimLocked() {
	cutoff := time.Now().Add(-b.retention)
	i := 0
	for i < len(b.log) && b.log[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.log = b.log[i:]
	}
}

func (b *Broadcaster) deliverLocked(id string, sub *subscription, ev StoredEvent) {
	sub.ring = append(sub.ring, ev)
	if len(sub.ring) > sub.ringCap {
		sub.ring = sub.ring[1:]
		sub.drops++
	}
	sub.pending = len(sub.ring)

	if sub.pending > sub.highWaterPendingOr(b.highWaterPending) {
		sub.sendFn(Response{Status: "ok", Cmd: "warning", Result: map[string]any{
			"reason": "slow_consumer", "pending": sub.pending, "high_water": b.highWaterPending, "drops": sub.drops,
		}})
	}
	if sub.pending >= sub.ringCap {
		sub.sendFn(Response{Status: "ok", Cmd: "slow_consumer_drop", Result: map[string]any{"session": id}})
		delete(b.subs, id)
		return
	}

	sub.sendFn(Response{Status: "ok", Cmd: "events.push", Result: ev})
}

func (s *subscription) highWaterPendingOr(def int) int {
	if s.ringCap/2 > 0 {
		return s.ringCap / 2
	}
	return def
}

// Subscribe implements events.subscribe: registers sub.sendFn as the
// delivery callback and replays backlog from sinceSeq if still
// retained, or returns seq_evicted (§4.6's reconnect semantics).
func (b *Broadcaster) Subscribe(sessionID string, ringCap int, sinceSeq int64, sendFn func(Response) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sinceSeq > 0 {
		if len(b.log) == 0 || b.log[0].Seq > sinceSeq+1 {
			return errSeqEvictedErr
		}
	}

	sub := &subscription{sessionID: sessionID, ringCap: ringCap, sendFn: sendFn}
	b.subs[sessionID] = sub

	if sinceSeq > 0 {
		for _, ev := range b.log {
			if ev.Seq > sinceSeq {
				b.deliverLocked(sessionID, sub, ev)
			}
		}
	}
	return nil
}

// Unsubscribe implements events.unsubscribe.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sessionID)
}

// Ack implements events.ack{seq}: advances the subscriber's cursor.
// Reclamation of fully-acked history happens implicitly via
// time-based trimLocked; seq bookkeeping here only gates replay.
func (b *Broadcaster) Ack(sessionID string, seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[sessionID]; ok {
		sub.acked = seq
	}
}

var errSeqEvictedErr = errors.New(errSeqEvicted)
