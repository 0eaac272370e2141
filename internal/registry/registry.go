package registry

import (
	"sync"
)

// Delivery is one notification the registry expects the executive to
// route through the mailbox manager after a mutating call returns.
// Keeping delivery out-of-band this way avoids a registry->mailbox
// import cycle while still matching §4.4's "deliver a framed
// notification to each subscriber mailbox".
type Delivery struct {
	Target  string
	Payload ValueChangeNotification
}

// CommandDelivery is the async-command analogue of Delivery.
type CommandDelivery struct {
	Target  string
	Payload CommandCompletionNotification
}

// Registry is one VM instance's value/command table (§4.4).
type Registry struct {
	mu sync.Mutex

	profile Profile

	values   map[OID]*ValueEntry
	commands map[OID]*CommandEntry

	valueIndex   map[uint32]OID // (group<<16|value) -> OID
	commandIndex map[uint32]OID

	nextOID        int32
	stringPoolUsed int

	events []Event

	warned bool // occupancy warning hysteresis state, values table
}

func groupValueKey(group, value uint16) uint32 { return uint32(group)<<16 | uint32(value) }

// New creates an empty registry bounded by profile.
func New(profile Profile) *Registry {
	return &Registry{
		profile:      profile,
		values:       make(map[OID]*ValueEntry),
		commands:     make(map[OID]*CommandEntry),
		valueIndex:   make(map[uint32]OID),
		commandIndex: make(map[uint32]OID),
	}
}

// Events drains accumulated value_changed/warning events.
func (r *Registry) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := r.events
	r.events = nil
	return ev
}

func (r *Registry) emit(e Event) { r.events = append(r.events, e) }

// RegisterValue implements §4.4's register() for values.
func (r *Registry) RegisterValue(pid uint32, group, value uint16, flags ValueFlags, desc string, epsilon float32) (Status, OID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := groupValueKey(group, value)
	if _, exists := r.valueIndex[key]; exists {
		return StatusEEXIST, InvalidOID
	}
	if len(r.values) >= r.profile.MaxValues {
		return StatusENOSPC, InvalidOID
	}
	if r.stringPoolUsed+len(desc) > r.profile.MaxStringBytes {
		return StatusENOSPC, InvalidOID
	}

	r.nextOID++
	oid := OID(r.nextOID)
	r.values[oid] = &ValueEntry{
		OID: oid, Group: group, Value: value, Flags: flags,
		Desc: desc, OwnerPID: pid, Epsilon: epsilon,
	}
	r.valueIndex[key] = oid
	r.stringPoolUsed += len(desc)

	r.checkOccupancy()
	return StatusOK, oid
}

// LookupValue implements §4.4's lookup() for values.
func (r *Registry) LookupValue(group, value uint16) OID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oid, ok := r.valueIndex[groupValueKey(group, value)]; ok {
		return oid
	}
	return InvalidOID
}

// Get implements §4.4's get(): returns the last-set half (as raw
// binary16 bits) and an access status.
func (r *Registry) Get(callerPID uint32, authLevel int, oid OID) (Status, uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[oid]
	if !ok {
		return StatusENOENT, 0
	}
	if permissionDenied(v.OwnerPID, callerPID, authLevel) {
		return StatusEPERM, 0
	}
	return StatusOK, v.LastHalf
}

// Set implements §4.4's set(): epsilon filtering, rate limiting is
// left to the executive (which has the timing authority); Set itself
// applies access control and the epsilon filter, updates the stored
// half (which SaveFRAM later writes for values with a persist mode),
// and produces the Deliveries the caller must route through mailbox.
func (r *Registry) Set(callerPID uint32, authLevel int, oid OID, newHalf uint16, toFloat func(uint16) float32) (Status, []Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.values[oid]
	if !ok {
		return StatusENOENT, nil
	}
	if v.Flags&FlagReadOnly != 0 {
		return StatusEPERM, nil
	}
	if permissionDenied(v.OwnerPID, callerPID, authLevel) {
		return StatusEPERM, nil
	}

	oldF := toFloat(v.LastHalf)
	newF := toFloat(newHalf)
	if abs32(newF-oldF) < v.Epsilon {
		return StatusOK, nil // filtered: no notification, no persistence
	}

	v.LastHalf = newHalf
	r.emit(Event{Type: "value_changed", OID: oid, Old: oldF, New: newF})

	var deliveries []Delivery
	alive := v.Subscribers[:0]
	for _, target := range v.Subscribers {
		// Dead-subscriber pruning happens at the executive layer (it owns
		// mailbox liveness); here we simply keep the target list as given
		// and let a failed delivery be reported back via PruneSubscriber.
		alive = append(alive, target)
		deliveries = append(deliveries, Delivery{
			Target:  target,
			Payload: ValueChangeNotification{Type: 0x01, OID: oid, NewHalf: newHalf},
		})
	}
	v.Subscribers = alive

	return StatusOK, deliveries
}

// PruneSubscriber removes target from oid's subscriber list after the
// executive finds its mailbox is gone (§4.4: "dead subscribers ...
// are pruned").
func (r *Registry) PruneSubscriber(oid OID, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[oid]
	if !ok {
		return
	}
	for i, t := range v.Subscribers {
		if t == target {
			v.Subscribers = append(v.Subscribers[:i], v.Subscribers[i+1:]...)
			return
		}
	}
}

// Subscribe implements §4.4's sub(oid, mailbox_target).
func (r *Registry) Subscribe(oid OID, target string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[oid]
	if !ok {
		return StatusENOENT
	}
	for _, t := range v.Subscribers {
		if t == target {
			return StatusOK
		}
	}
	v.Subscribers = append(v.Subscribers, target)
	return StatusOK
}

// PersistValue implements §4.4's persist(oid, mode).
func (r *Registry) PersistValue(oid OID, mode PersistMode) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[oid]
	if !ok {
		return StatusENOENT
	}
	v.Persist = mode
	return StatusOK
}

// ListValues implements §4.4's list(): values whose group matches
// groupFilter (or all, if groupFilter is nil), up to maxItems.
func (r *Registry) ListValues(groupFilter *uint16, maxItems int) []ValueEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ValueEntry
	for _, v := range r.values {
		if groupFilter != nil && v.Group != *groupFilter {
			continue
		}
		out = append(out, *v)
		if len(out) >= maxItems {
			break
		}
	}
	return out
}

// RegisterCommand implements §4.4's register() for commands.
func (r *Registry) RegisterCommand(pid uint32, group, value uint16, flags CommandFlags, help string, codeOffset uint32) (Status, OID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := groupValueKey(group, value)
	if _, exists := r.commandIndex[key]; exists {
		return StatusEEXIST, InvalidOID
	}
	if len(r.commands) >= r.profile.MaxCommands {
		return StatusENOSPC, InvalidOID
	}
	r.nextOID++
	oid := OID(r.nextOID)
	r.commands[oid] = &CommandEntry{
		OID: oid, Group: group, Value: value, Flags: flags,
		HelpText: help, OwnerPID: pid, CodeOffset: codeOffset,
	}
	r.commandIndex[key] = oid
	return StatusOK, oid
}

// LookupCommand implements §4.4's lookup() for commands.
func (r *Registry) LookupCommand(group, value uint16) OID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oid, ok := r.commandIndex[groupValueKey(group, value)]; ok {
		return oid
	}
	return InvalidOID
}

// Command looks up a command's dispatch target (owning task, code
// offset) so the executive can schedule it; actual invocation is the
// executive's job (it owns task scheduling).
func (r *Registry) Command(oid OID) (CommandEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[oid]
	if !ok {
		return CommandEntry{}, false
	}
	return *c, true
}

// Help implements §4.4's help(oid).
func (r *Registry) Help(oid OID) (Status, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[oid]
	if !ok {
		return StatusENOENT, ""
	}
	return StatusOK, c.HelpText
}

// ReleaseOwner frees every value and command owned by pid, mirroring
// §4.4's PID-termination cleanup. Subscriber lists of the remaining
// values are not changed.
func (r *Registry) ReleaseOwner(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for oid, v := range r.values {
		if v.OwnerPID == pid {
			delete(r.values, oid)
			delete(r.valueIndex, groupValueKey(v.Group, v.Value))
			r.stringPoolUsed -= len(v.Desc)
		}
	}
	for oid, c := range r.commands {
		if c.OwnerPID == pid {
			delete(r.commands, oid)
			delete(r.commandIndex, groupValueKey(c.Group, c.Value))
		}
	}
	r.checkOccupancy()
}

// checkOccupancy fires the 80%/70% hysteresis warning described in
// §4.4. Must be called with mu held.
func (r *Registry) checkOccupancy() {
	if r.profile.MaxValues == 0 {
		return
	}
	pct := float64(len(r.values)) / float64(r.profile.MaxValues)
	switch {
	case !r.warned && pct >= OccupancyWarnPct:
		r.warned = true
		r.emit(Event{Type: "warning", Text: "value table occupancy high"})
	case r.warned && pct <= OccupancyClearPct:
		r.warned = false
	}
}

func abs32(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
