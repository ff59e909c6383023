package session

import (
	"context"
	"time"
)

// Role is the author of a transcript turn.
type Role string

const (
	Human Role = "human"
	Agent Role = "agent"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Role Role
	Text string
	At   time.Time
}

// State is the turn state of a session.
type State int

const (
	Joining State = iota
	Greeting
	Listening
	ProcessingReply
	Speaking
	Closed
)

func (s State) String() string {
	switch s {
	case Joining:
		return "JOINING"
	case Greeting:
		return "GREETING"
	case Listening:
		return "LISTENING"
	case ProcessingReply:
		return "PROCESSING_REPLY"
	case Speaking:
		return "SPEAKING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Recorder persists session history. Failures are logged by the session and
// never change its behaviour.
type Recorder interface {
	OpenSession(ctx context.Context, id, room, participant string, at time.Time) error
	AppendTurn(ctx context.Context, sessionID string, seq int, role, text string, at time.Time) error
	CloseSession(ctx context.Context, id string, at time.Time, reason string) error
}

type nopRecorder struct{}

func (nopRecorder) OpenSession(context.Context, string, string, string, time.Time) error { return nil }
func (nopRecorder) AppendTurn(context.Context, string, int, string, string, time.Time) error {
	return nil
}
func (nopRecorder) CloseSession(context.Context, string, time.Time, string) error { return nil }
