package serving

import "context"

// EventKind discriminates session events.
type EventKind int

const (
	// EventToken carries one newly decoded token.
	EventToken EventKind = iota
	// EventEnd marks normal completion; Reason says why.
	EventEnd
	// EventError marks abnormal termination; Err carries the cause.
	EventError
)

// Event is one item in a session's output stream.
type Event struct {
	Kind    EventKind
	TokenID int
	Content string
	Reason  DoneReason
	Err     error
}

// Session is the client-facing handle for one generation request. Tokens
// are read incrementally with ReadNext; the stream ends with an EventEnd
// or EventError, after which ReadNext returns ErrSessionClosed.
//
// A session is bound to one sequence. The engine delivers events at tick
// boundaries only, so a reader never observes a partial tick.
type Session struct {
	seq    *Sequence
	events chan Event
	wake   func()
}

// ID returns the underlying request id.
func (s *Session) ID() string {
	return s.seq.ID
}

// PromptTokenCount returns the number of prompt tokens.
func (s *Session) PromptTokenCount() int {
	return s.seq.NumPromptTokens
}

// ReadNext blocks until the next event for this session or until ctx is
// done. Cancelled sessions receive no further events; the stream just
// closes.
func (s *Session) ReadNext(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Event{}, ErrSessionClosed
		}
		return ev, nil
	}
}

// Cancel requests cooperative cancellation. The scheduler observes it at
// the start of its next tick and releases the sequence's cache handle
// within that tick.
func (s *Session) Cancel() {
	s.seq.Cancel()
	if s.wake != nil {
		s.wake()
	}
}

// send delivers an event without blocking. The channel is sized for the
// maximum possible number of events, so a full channel means a logic error.
func (s *Session) send(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// closeStream ends the event stream.
func (s *Session) closeStream() {
	close(s.events)
}
