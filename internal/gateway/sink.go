package gateway

import "sync"

// EventSink receives progress, deltas and terminal notifications. Calls are
// synchronous; the gateway makes no assumption about buffering or delivery.
type EventSink interface {
	SendMessage(eventType string, payload any)
	SendError(eventType string, payload any)
	SendDone(eventType string)
}

// Discard drops every event.
type Discard struct{}

func (Discard) SendMessage(string, any) {}
func (Discard) SendError(string, any)   {}
func (Discard) SendDone(string)         {}

// Event kinds recorded by Recorder.
const (
	KindMessage = "message"
	KindError   = "error"
	KindDone    = "done"
)

// RecordedEvent is one call captured by Recorder.
type RecordedEvent struct {
	Kind    string
	Type    string
	Payload any
}

// Recorder keeps every event in arrival order. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (r *Recorder) SendMessage(eventType string, payload any) {
	r.add(RecordedEvent{Kind: KindMessage, Type: eventType, Payload: payload})
}

func (r *Recorder) SendError(eventType string, payload any) {
	r.add(RecordedEvent{Kind: KindError, Type: eventType, Payload: payload})
}

func (r *Recorder) SendDone(eventType string) {
	r.add(RecordedEvent{Kind: KindDone, Type: eventType})
}

func (r *Recorder) add(e RecordedEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the events of the given kind and type.
func (r *Recorder) Filter(kind, eventType string) []RecordedEvent {
	var out []RecordedEvent
	for _, e := range r.Events() {
		if e.Kind == kind && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// lockedSink serialises calls from pool workers onto a sink that may not be
// safe for concurrent use.
type lockedSink struct {
	mu   sync.Mutex
	next EventSink
}

func newLockedSink(next EventSink) *lockedSink {
	if next == nil {
		next = Discard{}
	}
	return &lockedSink{next: next}
}

func (s *lockedSink) SendMessage(eventType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.SendMessage(eventType, payload)
}

func (s *lockedSink) SendError(eventType string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.SendError(eventType, payload)
}

func (s *lockedSink) SendDone(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next.SendDone(eventType)
}
