package executive

// Event is the generic envelope every executive-originated event is
// wrapped in before the control plane assigns it a sequence number and
// serialises it to JSON (§4.6's event schema — "data varies by type").
type Event struct {
	Type string
	Data any
}

type eventSink struct {
	events []Event
}

func (s *eventSink) emit(typ string, data any) {
	s.events = append(s.events, Event{Type: typ, Data: data})
}

func (s *eventSink) drain() []Event {
	ev := s.events
	s.events = nil
	return ev
}
