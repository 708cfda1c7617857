package broadcast

import "sync"

// Scope values recorded by Recorder.
const (
	ScopeRoom   = "room"
	ScopeGlobal = "global"
	ScopeDirect = "direct"
)

// Event is one call recorded by Recorder.
type Event struct {
	Scope   string
	Target  string // room id or connection id; empty for global
	Except  string
	Type    string
	Payload interface{}
}

// Recorder is an in-memory Sink that records every call. It lets the
// presence, typing and chat components be tested without a transport.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// ToRoom implements Sink.
func (r *Recorder) ToRoom(roomID, msgType string, payload interface{}, except string) {
	r.add(Event{Scope: ScopeRoom, Target: roomID, Except: except, Type: msgType, Payload: payload})
}

// ToAll implements Sink.
func (r *Recorder) ToAll(msgType string, payload interface{}) {
	r.add(Event{Scope: ScopeGlobal, Type: msgType, Payload: payload})
}

// ToConn implements Sink.
func (r *Recorder) ToConn(connID, msgType string, payload interface{}) {
	r.add(Event{Scope: ScopeDirect, Target: connID, Type: msgType, Payload: payload})
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a snapshot of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events with the given message type.
func (r *Recorder) OfType(msgType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == msgType {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
