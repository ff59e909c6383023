package session

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

// Close reasons recorded with each session.
const (
	ReasonParticipantLeft = "participant_left"
	ReasonTransportError  = "transport_error"
	ReasonRoomClosed      = "room_closed"
	ReasonShutdown        = "shutdown"
)

// Controller routes room events to one Session per participant identity.
type Controller struct {
	deps Deps
	log  zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	retired  []*Session
}

func NewController(deps Deps) *Controller {
	return &Controller{
		deps:     deps,
		log:      deps.Logger.With().Str("module", "controller").Logger(),
		sessions: map[string]*Session{},
	}
}

// Run consumes room events until the room's event stream ends or ctx is
// cancelled, then closes every session and waits for them to release resources.
func (c *Controller) Run(ctx context.Context) error {
	events := c.deps.Room.Events()
	for {
		select {
		case <-ctx.Done():
			c.closeAll(ReasonShutdown)
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.closeAll(ReasonRoomClosed)
				return nil
			}
			c.Handle(ev)
		}
	}
}

// Handle applies one room event.
func (c *Controller) Handle(ev interfaces.RoomEvent) {
	switch ev.Kind {
	case interfaces.ParticipantJoined:
		c.join(ev)
	case interfaces.Transcription:
		c.transcription(ev)
	case interfaces.ParticipantLeft:
		if !c.retire(ev.Identity, ReasonParticipantLeft) {
			c.notFound(ev)
		}
	case interfaces.RoomError:
		c.roomError(ev)
	default:
		c.log.Warn().Str("event", ev.Kind.String()).Msg("unknown room event")
	}
}

func (c *Controller) join(ev interfaces.RoomEvent) {
	c.mu.Lock()
	if _, ok := c.sessions[ev.Identity]; ok {
		c.mu.Unlock()
		c.log.Debug().Str("participant", ev.Identity).Msg("duplicate join ignored")
		return
	}
	s := New(ev.Room, ev.Identity, c.deps)
	c.sessions[ev.Identity] = s
	c.mu.Unlock()
	s.Start()
}

func (c *Controller) transcription(ev interfaces.RoomEvent) {
	if !ev.Final || strings.TrimSpace(ev.Text) == "" {
		return
	}
	s := c.Session(ev.Identity)
	if s == nil {
		c.notFound(ev)
		return
	}
	s.Deliver(ev.Text)
}

func (c *Controller) roomError(ev interfaces.RoomEvent) {
	if !faults.Fatal(ev.Err) {
		c.log.Warn().Err(ev.Err).Str("participant", ev.Identity).Str("kind", faults.Kind(ev.Err)).Msg("room error")
		return
	}
	c.log.Error().Err(ev.Err).Str("participant", ev.Identity).Msg("fatal transport error")
	if ev.Identity == "" {
		c.closeAll(ReasonTransportError)
		return
	}
	c.retire(ev.Identity, ReasonTransportError)
}

func (c *Controller) notFound(ev interfaces.RoomEvent) {
	c.log.Warn().Str("participant", ev.Identity).Str("event", ev.Kind.String()).
		Str("kind", faults.Kind(faults.ErrSessionNotFound)).Msg("event for unknown session ignored")
}

// Session returns the live session for identity, or nil.
func (c *Controller) Session(identity string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[identity]
}

// retire closes and forgets the session for identity. A later join starts a new one.
func (c *Controller) retire(identity, reason string) bool {
	c.mu.Lock()
	s, ok := c.sessions[identity]
	if ok {
		delete(c.sessions, identity)
		c.retired = append(c.retired, s)
	}
	c.mu.Unlock()
	if ok {
		s.Close(reason)
	}
	return ok
}

func (c *Controller) closeAll(reason string) {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.sessions))
	for id, s := range c.sessions {
		live = append(live, s)
		delete(c.sessions, id)
	}
	retired := c.retired
	c.retired = nil
	c.mu.Unlock()

	for _, s := range live {
		s.Close(reason)
	}
	for _, s := range append(live, retired...) {
		<-s.Done()
	}
}
