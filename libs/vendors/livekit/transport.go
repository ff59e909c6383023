// Package livekit joins a LiveKit room as the agent participant and adapts
// the room to interfaces.Room: participant and transcription callbacks become
// ordered RoomEvents, and outgoing speech is streamed as a 48 kHz PCM track.
package livekit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
	lktoken "github.com/jacky-htg/voice-agent/libs/livekit"
)

// TranscriptionTopic is the data-packet topic carrying transcriptions from
// clients that cannot publish native transcription segments.
const TranscriptionTopic = "transcription"

const frameDuration = 20 * time.Millisecond

type Options struct {
	URL       string
	APIKey    string
	APISecret string
	Room      string
	Identity  string
	TokenTTL  time.Duration
	Announcer *Announcer
	Logger    zerolog.Logger
}

// Transport implements interfaces.Room over a live LiveKit connection.
type Transport struct {
	room      string
	identity  string
	log       zerolog.Logger
	announcer *Announcer

	events    chan interfaces.RoomEvent
	done      chan struct{}
	emitMu    sync.Mutex
	closed    bool
	closing   atomic.Bool
	closeOnce sync.Once

	segMu     sync.Mutex
	seenFinal map[string]struct{}

	writeMu sync.Mutex
	write   func([]int16) error
	frame   time.Duration

	lk    *lksdk.Room
	track *lkmedia.PCMLocalTrack
}

var _ interfaces.Room = (*Transport)(nil)

func newTransport(room, identity string, announcer *Announcer, log zerolog.Logger) *Transport {
	return &Transport{
		room:      room,
		identity:  identity,
		log:       log.With().Str("module", "livekit").Str("room", room).Logger(),
		announcer: announcer,
		events:    make(chan interfaces.RoomEvent, 64),
		done:      make(chan struct{}),
		seenFinal: map[string]struct{}{},
		frame:     frameDuration,
	}
}

// Connect joins opts.Room as opts.Identity and publishes the agent's audio track.
// Participants already in the room are reported as joined.
func Connect(opts Options) (*Transport, error) {
	t := newTransport(opts.Room, opts.Identity, opts.Announcer, opts.Logger)

	token, err := lktoken.GenerateAccessToken(opts.APIKey, opts.APISecret, opts.Room, opts.Identity, opts.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("room token: %w", err)
	}

	room, err := lksdk.ConnectToRoomWithToken(opts.URL, token, t.callbacks(), lksdk.WithAutoSubscribe(false))
	if err != nil {
		return nil, fmt.Errorf("connect to room %s: %w: %w", opts.Room, faults.ErrTransport, err)
	}

	track, err := lkmedia.NewPCMLocalTrack(interfaces.RoomPCM.SampleRate, interfaces.RoomPCM.Channels, nil)
	if err != nil {
		room.Disconnect()
		return nil, fmt.Errorf("create audio track: %w: %w", faults.ErrTransport, err)
	}
	pub, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   opts.Identity + "-voice",
		Source: livekit.TrackSource_MICROPHONE,
	})
	if err != nil {
		track.Close()
		room.Disconnect()
		return nil, fmt.Errorf("publish audio track: %w: %w", faults.ErrTransport, err)
	}

	t.writeMu.Lock()
	t.lk = room
	t.track = track
	t.write = func(s []int16) error { return track.WriteSample(s) }
	t.writeMu.Unlock()

	t.log.Info().Str("identity", opts.Identity).Str("track", pub.SID()).Msg("joined room")

	for _, p := range room.GetRemoteParticipants() {
		t.participantJoined(p.Identity())
	}
	return t, nil
}

func (t *Transport) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				// Speech arrives as room transcriptions; raw media is not decoded here.
				t.log.Debug().Str("participant", rp.Identity()).Str("kind", track.Kind().String()).Msg("ignoring subscribed track")
			},
			OnDataPacket: func(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
				if user, ok := data.(*lksdk.UserDataPacket); ok {
					t.dataReceived(params.SenderIdentity, user.Topic, user.Payload)
				}
			},
			OnTranscriptionReceived: func(segments []*lksdk.TranscriptionSegment, p lksdk.Participant, _ lksdk.TrackPublication) {
				identity := ""
				if p != nil {
					identity = p.Identity()
				}
				for _, s := range segments {
					if s != nil {
						t.segmentReceived(identity, s.ID, s.Text, s.Final)
					}
				}
			},
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			t.participantJoined(rp.Identity())
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			t.participantLeft(rp.Identity())
		},
		OnReconnecting: func() {
			t.log.Warn().Msg("reconnecting to room")
		},
		OnReconnected: func() {
			t.log.Info().Msg("reconnected to room")
		},
		OnDisconnected: func() {
			t.disconnected()
		},
	}
}

func (t *Transport) Events() <-chan interfaces.RoomEvent { return t.events }

func (t *Transport) participantJoined(identity string) {
	t.emit(interfaces.RoomEvent{Kind: interfaces.ParticipantJoined, Identity: identity})
}

func (t *Transport) participantLeft(identity string) {
	t.emit(interfaces.RoomEvent{Kind: interfaces.ParticipantLeft, Identity: identity})
}

func (t *Transport) segmentReceived(identity, id, text string, final bool) {
	if final && id != "" {
		t.segMu.Lock()
		_, seen := t.seenFinal[id]
		t.seenFinal[id] = struct{}{}
		t.segMu.Unlock()
		if seen {
			return
		}
	}
	t.emit(interfaces.RoomEvent{Kind: interfaces.Transcription, Identity: identity, Text: text, Final: final})
}

type transcriptionPayload struct {
	Text  string `json:"text"`
	Final *bool  `json:"final"`
}

// parseTranscription reads a JSON {"text","final"} payload. Anything that is
// not a JSON object is taken as the final text itself.
func parseTranscription(payload []byte) (string, bool) {
	var p transcriptionPayload
	if err := json.Unmarshal(payload, &p); err == nil {
		return p.Text, p.Final == nil || *p.Final
	}
	return string(payload), true
}

func (t *Transport) dataReceived(identity, topic string, payload []byte) {
	if topic != TranscriptionTopic || len(payload) == 0 {
		return
	}
	text, final := parseTranscription(payload)
	t.emit(interfaces.RoomEvent{Kind: interfaces.Transcription, Identity: identity, Text: text, Final: final})
}

func (t *Transport) disconnected() {
	if !t.closing.Load() {
		t.log.Error().Msg("room connection lost")
		t.emit(interfaces.RoomEvent{
			Kind: interfaces.RoomError,
			Err:  fmt.Errorf("room %s disconnected: %w", t.room, faults.ErrTransport),
		})
	}
	t.shutdown()
}

// emit delivers ev in callback order. Events about the agent itself are dropped.
func (t *Transport) emit(ev interfaces.RoomEvent) {
	if ev.Identity != "" && ev.Identity == t.identity {
		return
	}
	ev.Room = t.room
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.emitMu.Lock()
		t.closed = true
		close(t.events)
		t.emitMu.Unlock()
	})
}

// Announce renders text through the announcer and plays it on the agent track.
func (t *Transport) Announce(ctx context.Context, text string) error {
	if t.announcer == nil {
		return errors.New("announce: no announcer configured")
	}
	pcm, err := t.announcer.Render(ctx, text)
	if err != nil {
		return err
	}
	return t.PublishAudio(ctx, pcm, interfaces.RoomPCM)
}

// PublishAudio writes pcm to the agent track in real-time frames and returns
// once the last frame has been handed over. Cancelling ctx stops playback.
func (t *Transport) PublishAudio(ctx context.Context, pcm []byte, format interfaces.PCMFormat) error {
	if format != interfaces.RoomPCM {
		return fmt.Errorf("publish audio: %w: format %+v, want %+v", faults.ErrInvalidInput, format, interfaces.RoomPCM)
	}
	if len(pcm)%2 != 0 {
		return fmt.Errorf("publish audio: %w: odd pcm length %d", faults.ErrInvalidInput, len(pcm))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return fmt.Errorf("publish audio: %w: room closed", faults.ErrTransport)
	default:
	}
	if t.write == nil {
		return fmt.Errorf("publish audio: %w: no outgoing track", faults.ErrTransport)
	}

	frameBytes := int(int64(format.BytesPerSecond()) * int64(t.frame) / int64(time.Second))
	ticker := time.NewTicker(t.frame)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := t.write(toSamples(pcm[off:end])); err != nil {
			return fmt.Errorf("write audio frame: %w: %w", faults.ErrTransport, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return fmt.Errorf("publish audio: %w: room closed", faults.ErrTransport)
		case <-ticker.C:
		}
	}
	return nil
}

func toSamples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return s
}

// Close leaves the room and closes the event stream.
func (t *Transport) Close() error {
	t.closing.Store(true)
	t.shutdown()
	t.writeMu.Lock()
	room, track := t.lk, t.track
	t.writeMu.Unlock()
	if room != nil {
		room.Disconnect()
	}
	if track != nil {
		track.Close()
	}
	return nil
}
