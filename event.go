package conclave

import "time"

// EventType identifies the kind of a Runtime lifecycle event.
type EventType string

const (
	// EventRequest signals that a request has been accepted by a runtime.
	// Input carries the request text.
	EventRequest EventType = "request"
	// EventStatus carries a progress update. Message and Progress are set.
	EventStatus EventType = "status"
	// EventText carries an incremental text chunk from the stream.
	EventText EventType = "text"
	// EventResponse carries the final response text. Emitted at most once
	// per request. Input carries the originating request.
	EventResponse EventType = "response"
	// EventError carries a request failure. Err is set.
	EventError EventType = "error"
	// EventCompleted terminates every request, success or failure.
	// Emitted exactly once per request.
	EventCompleted EventType = "completed"
)

// Event is the sealed variant emitted on a Runtime's event stream. Events
// from a single runtime are totally ordered; there is no ordering
// guarantee across runtimes within a phase.
type Event struct {
	Type EventType
	// Agent is the emitting runtime's name.
	Agent string
	// Input is the request text (request and response events).
	Input string
	// Content is the text payload (text and response events).
	Content string
	// Message is the human-readable status line (status events).
	Message string
	// Progress is a 0-100 status indicator (status events).
	Progress int
	// Err is the failure cause (error events).
	Err error
	// Success reports the request outcome (completed events).
	Success bool
	// Time is the emission timestamp.
	Time time.Time
}

// EventSink receives runtime events. Sinks are invoked synchronously on
// the emitting goroutine and must not block.
type EventSink func(Event)

// fanOut returns a sink that forwards each event to every non-nil sink.
func fanOut(sinks ...EventSink) EventSink {
	return func(ev Event) {
		for _, s := range sinks {
			if s != nil {
				s(ev)
			}
		}
	}
}
