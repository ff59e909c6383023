package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

var errSessionClosed = errors.New("session closed")

const recordTimeout = 2 * time.Second

// Deps are the collaborators shared by every session of a room.
type Deps struct {
	Room            interfaces.Room
	Responder       *Responder
	Pipeline        *Pipeline
	Recorder        Recorder
	Greetings       []string
	AnnounceTimeout time.Duration
	Logger          zerolog.Logger
}

type replyResult struct {
	turn  string
	reply string
	err   error
}

type speakResult struct {
	turn string
	err  error
}

// Session is the conversation with one participant. All state transitions
// happen on the session's own goroutine; external calls run on workers whose
// results come back over channels, so Close is honoured mid-pipeline.
type Session struct {
	ID          string
	Room        string
	Participant string

	deps Deps
	log  zerolog.Logger

	inbox     chan string
	replyDone chan replyResult
	speakDone chan speakResult

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once

	// pubMu orders publishes against Close: no publish starts once closed is set.
	pubMu  sync.RWMutex
	closed bool

	mu          sync.Mutex
	state       State
	transcript  []Turn
	pending     string
	outstanding bool
	reason      string
}

// New creates a session in JOINING. Call Start to run it.
func New(room, participant string, deps Deps) *Session {
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Session{
		ID:          id,
		Room:        room,
		Participant: participant,
		deps:        deps,
		log: deps.Logger.With().Str("module", "session").Str("room", room).
			Str("participant", participant).Str("session", id).Logger(),
		inbox:     make(chan string, 16),
		replyDone: make(chan replyResult, 1),
		speakDone: make(chan speakResult, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     Joining,
	}
}

// Start greets the participant and begins listening.
func (s *Session) Start() {
	s.record(func(ctx context.Context) error {
		return s.deps.Recorder.OpenSession(ctx, s.ID, s.Room, s.Participant, time.Now())
	})
	s.log.Info().Msg("session started")
	go s.run()
}

// Deliver hands a final transcription to the session. Order of calls is the
// order of processing.
func (s *Session) Deliver(text string) {
	select {
	case s.inbox <- text:
	case <-s.done:
	}
}

// Close moves the session to CLOSED, cancels in-flight calls and blocks new publishes.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		prev := s.state
		s.state = Closed
		s.reason = reason
		s.mu.Unlock()

		s.cancel()
		s.pubMu.Lock()
		s.closed = true
		s.pubMu.Unlock()

		s.log.Info().Str("from", prev.String()).Str("reason", reason).Msg("session closed")
	})
}

// Done is closed once the session has released its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns a copy of the turns so far.
func (s *Session) Transcript() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.transcript...)
}

// Pending returns the utterance queued behind the current turn.
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) run() {
	defer close(s.done)

	var greetDone chan struct{}
	if len(s.deps.Greetings) > 0 {
		s.setState(Greeting)
		greetDone = make(chan struct{})
		s.spawn(func() {
			defer close(greetDone)
			s.greet()
		})
	} else {
		s.enterListening()
	}

	for {
		select {
		case <-s.ctx.Done():
			s.finish()
			return
		case text := <-s.inbox:
			s.onTranscription(text)
		case <-greetDone:
			greetDone = nil
			if s.ctx.Err() == nil {
				s.enterListening()
			}
		case r := <-s.replyDone:
			s.onReply(r)
		case r := <-s.speakDone:
			s.onSpoken(r)
		}
	}
}

func (s *Session) spawn(fn func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		fn()
	}()
}

func (s *Session) finish() {
	s.workers.Wait()
	s.mu.Lock()
	reason := s.reason
	s.mu.Unlock()
	s.record(func(ctx context.Context) error {
		return s.deps.Recorder.CloseSession(ctx, s.ID, time.Now(), reason)
	})
}

func (s *Session) greet() {
	for _, g := range s.deps.Greetings {
		ctx, cancel := context.WithTimeout(s.ctx, orDefault(s.deps.AnnounceTimeout, 45*time.Second))
		err := s.announce(ctx, g)
		cancel()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Warn().Err(err).Str("stage", StageAnnounce).Str("kind", faults.Kind(err)).Msg("greeting failed")
			}
			return
		}
	}
}

func (s *Session) onTranscription(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	s.mu.Lock()
	idle := s.state == Listening && !s.outstanding
	if !idle {
		if s.pending == "" {
			s.pending = text
		} else {
			s.pending += " " + text
		}
		queued := s.pending
		state := s.state
		s.mu.Unlock()
		s.log.Debug().Str("state", state.String()).Str("pending", queued).Msg("queued transcription behind current turn")
		return
	}
	s.mu.Unlock()
	s.startTurn(text)
}

func (s *Session) startTurn(text string) {
	seq := s.appendTurn(Human, text)
	s.mu.Lock()
	s.outstanding = true
	history := append([]Turn(nil), s.transcript...)
	s.mu.Unlock()
	s.setState(ProcessingReply)

	turn := uuid.NewString()
	s.log.Info().Str("turn", turn).Int("seq", seq).Str("text", text).Msg("human turn")

	s.spawn(func() {
		reply, err := s.deps.Responder.Reply(s.ctx, history)
		select {
		case s.replyDone <- replyResult{turn: turn, reply: reply, err: err}:
		case <-s.ctx.Done():
		}
	})
}

func (s *Session) onReply(r replyResult) {
	if s.ctx.Err() != nil {
		return
	}
	if r.err != nil {
		s.log.Warn().Err(r.err).Str("turn", r.turn).Str("stage", StageRespond).
			Str("kind", faults.Kind(r.err)).Msg("no reply for turn")
		s.turnDone()
		return
	}

	s.appendTurn(Agent, r.reply)
	s.setState(Speaking)

	job := NewJob(s.ID, r.turn, r.reply, s.deps.Pipeline.WorkDir)
	s.spawn(func() {
		err := s.deps.Pipeline.Run(s.ctx, job, s.publish)
		select {
		case s.speakDone <- speakResult{turn: r.turn, err: err}:
		case <-s.ctx.Done():
		}
	})
}

func (s *Session) onSpoken(r speakResult) {
	if s.ctx.Err() != nil {
		return
	}
	if r.err != nil {
		s.log.Warn().Err(r.err).Str("turn", r.turn).Str("stage", StageOf(r.err)).
			Str("kind", faults.Kind(r.err)).Bool("delivered", false).Msg("reply not spoken")
	} else {
		s.log.Info().Str("turn", r.turn).Bool("delivered", true).Msg("reply spoken")
	}
	s.turnDone()
}

func (s *Session) turnDone() {
	s.mu.Lock()
	s.outstanding = false
	s.mu.Unlock()
	s.enterListening()
}

// enterListening drains the pending utterance, if any, into a new turn.
func (s *Session) enterListening() {
	s.setState(Listening)
	s.mu.Lock()
	next := s.pending
	s.pending = ""
	s.mu.Unlock()
	if next != "" {
		s.startTurn(next)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("state")
	}
}

func (s *Session) appendTurn(role Role, text string) int {
	at := time.Now()
	s.mu.Lock()
	s.transcript = append(s.transcript, Turn{Role: role, Text: text, At: at})
	seq := len(s.transcript)
	s.mu.Unlock()
	s.record(func(ctx context.Context) error {
		return s.deps.Recorder.AppendTurn(ctx, s.ID, seq, string(role), text, at)
	})
	return seq
}

func (s *Session) record(fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn().Err(err).Msg("transcript recording failed")
	}
}

func (s *Session) publish(ctx context.Context, pcm []byte, format interfaces.PCMFormat) error {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.closed {
		return errSessionClosed
	}
	return s.deps.Room.PublishAudio(ctx, pcm, format)
}

func (s *Session) announce(ctx context.Context, text string) error {
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.closed {
		return errSessionClosed
	}
	return s.deps.Room.Announce(ctx, text)
}
