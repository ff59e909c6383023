package session

import (
	"bytes"
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

type fakeRoom struct {
	events chan interfaces.RoomEvent

	mu        sync.Mutex
	published [][]byte
	announced []string

	publishStarted atomic.Int32
	// publishHook, when set, replaces the default immediate success.
	publishHook  func(ctx context.Context) error
	announceHook func(ctx context.Context, text string) error
}

func newFakeRoom() *fakeRoom {
	return &fakeRoom{events: make(chan interfaces.RoomEvent, 16)}
}

func (r *fakeRoom) Events() <-chan interfaces.RoomEvent { return r.events }

func (r *fakeRoom) Announce(ctx context.Context, text string) error {
	if r.announceHook != nil {
		if err := r.announceHook(ctx, text); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.announced = append(r.announced, text)
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) PublishAudio(ctx context.Context, pcm []byte, format interfaces.PCMFormat) error {
	r.publishStarted.Add(1)
	if r.publishHook != nil {
		if err := r.publishHook(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.published = append(r.published, append([]byte(nil), pcm...))
	r.mu.Unlock()
	return nil
}

func (r *fakeRoom) Close() error { return nil }

func (r *fakeRoom) publishes() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.published...)
}

func (r *fakeRoom) announcements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.announced...)
}

// fakeLLM answers with reply(messages); calls are counted and concurrency is tracked.
type fakeLLM struct {
	reply func(ctx context.Context, msgs []interfaces.Message) (string, error)

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu   sync.Mutex
	seen [][]interfaces.Message
}

func (f *fakeLLM) Generate(ctx context.Context, msgs []interfaces.Message, opts ...interfaces.LLMOption) (string, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.mu.Lock()
	f.seen = append(f.seen, msgs)
	f.mu.Unlock()
	return f.reply(ctx, msgs)
}

func (f *fakeLLM) requests() [][]interfaces.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]interfaces.Message(nil), f.seen...)
}

func constLLM(reply string) *fakeLLM {
	return &fakeLLM{reply: func(context.Context, []interfaces.Message) (string, error) { return reply, nil }}
}

type fakeTTS struct {
	speak func(ctx context.Context, text string) ([]byte, error)
}

func (f *fakeTTS) Speak(ctx context.Context, text string, opts ...interfaces.TTSOption) ([]byte, error) {
	if f.speak != nil {
		return f.speak(ctx, text)
	}
	return []byte("WAV:" + text), nil
}

// fakeCodec returns "PCM:" plus the encoded file contents and remembers the paths it saw.
type fakeCodec struct {
	err error

	mu    sync.Mutex
	paths []string
}

func (f *fakeCodec) ToPCM(ctx context.Context, inputPath string, format interfaces.PCMFormat) ([]byte, error) {
	f.mu.Lock()
	f.paths = append(f.paths, inputPath)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, err
	}
	return append([]byte("PCM:"), b...), nil
}

func (f *fakeCodec) seenPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type recordedTurn struct {
	seq  int
	role string
	text string
}

type memRecorder struct {
	mu      sync.Mutex
	opened  []string
	turns   map[string][]recordedTurn
	reasons map[string]string
}

func newMemRecorder() *memRecorder {
	return &memRecorder{turns: map[string][]recordedTurn{}, reasons: map[string]string{}}
}

func (m *memRecorder) OpenSession(_ context.Context, id, room, participant string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, id)
	return nil
}

func (m *memRecorder) AppendTurn(_ context.Context, id string, seq int, role, text string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[id] = append(m.turns[id], recordedTurn{seq, role, text})
	return nil
}

func (m *memRecorder) CloseSession(_ context.Context, id string, _ time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons[id] = reason
	return nil
}

func (m *memRecorder) reason(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reasons[id]
	return r, ok
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	room     *fakeRoom
	llm      *fakeLLM
	tts      *fakeTTS
	codec    *fakeCodec
	recorder *memRecorder
	logs     *syncBuffer
	workDir  string
	deps     Deps
}

func newHarness(t *testing.T, llm *fakeLLM) *harness {
	t.Helper()
	h := &harness{
		room:     newFakeRoom(),
		llm:      llm,
		tts:      &fakeTTS{},
		codec:    &fakeCodec{},
		recorder: newMemRecorder(),
		logs:     &syncBuffer{},
		workDir:  t.TempDir(),
	}
	h.deps = Deps{
		Room:      h.room,
		Responder: NewResponder(llm, "You are a helpful AI assistant booking doctor appointments.", nil, time.Second),
		Pipeline: &Pipeline{
			TTS:              h.tts,
			Codec:            h.codec,
			WorkDir:          h.workDir,
			SynthesisTimeout: time.Second,
			CodecTimeout:     time.Second,
		},
		Recorder:        h.recorder,
		AnnounceTimeout: time.Second,
		Logger:          zerolog.New(h.logs).Level(zerolog.DebugLevel),
	}
	return h
}

// start runs a session directly, bypassing the controller.
func (h *harness) start(t *testing.T) *Session {
	t.Helper()
	s := New("clinic-42", "alice", h.deps)
	s.Start()
	t.Cleanup(func() {
		s.Close(ReasonShutdown)
		<-s.Done()
	})
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	eventually(t, "state "+want.String(), func() bool { return s.State() == want })
}

// settle gives the session goroutine time to act on anything already delivered.
func settle() { time.Sleep(50 * time.Millisecond) }
