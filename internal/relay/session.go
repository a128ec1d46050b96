package relay

import (
	"fmt"
	"time"

	"airelay/internal/domain"
)

// State is the lifecycle position of a relay session.
type State int

const (
	StateIdle State = iota
	StateDispatched
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatched:
		return "dispatched"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Session binds one inbound request to one outbound event stream. A session
// is owned by the goroutine running it and is not safe for concurrent use.
type Session struct {
	ID    string
	Event string
	Kind  domain.ProviderKind

	state      State
	started    time.Time
	firstDelta time.Duration
	duration   time.Duration
	deltas     int
	outBytes   int
	attached   int
	err        error
	errClass   string
	endSent    bool
	canceled   bool
}

func (s *Session) State() State { return s.state }

// Err returns the error that failed the session, if any.
func (s *Session) Err() error { return s.err }

// Deltas returns how many deltas were forwarded to the client.
func (s *Session) Deltas() int { return s.deltas }

// transition moves the session forward. Transitions out of a terminal state
// and backwards transitions are programming errors.
func (s *Session) transition(to State) {
	if s.state.Terminal() || to <= s.state {
		panic(fmt.Sprintf("relay: invalid transition %s -> %s", s.state, to))
	}
	s.state = to
}

// Record summarizes the session for the ledger.
func (s *Session) Record() domain.SessionRecord {
	status := s.state.String()
	if s.canceled {
		status = "canceled"
	}
	return domain.SessionRecord{
		ID:          s.ID,
		Event:       s.Event,
		Provider:    s.Kind,
		Status:      status,
		Deltas:      s.deltas,
		OutputBytes: s.outBytes,
		Attachments: s.attached,
		ErrorClass:  s.errClass,
		StartedAt:   s.started,
		FirstDelta:  s.firstDelta,
		Duration:    s.duration,
	}
}
