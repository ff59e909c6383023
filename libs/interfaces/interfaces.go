package interfaces

import (
	"context"
	"time"
)

// Role marks who authored a chat message sent to an LLM.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the LLM conversation context.
type Message struct {
	Role    Role
	Content string
}

// LLM is the language model interface. Implementations should be swappable.
type LLM interface {
	// Generate returns a single reply for the ordered messages.
	Generate(ctx context.Context, messages []Message, opts ...LLMOption) (string, error)
}

// TTS is the text-to-speech interface.
type TTS interface {
	// Speak converts text into an encoded audio clip (WAV, MP3, ...).
	Speak(ctx context.Context, text string, opts ...TTSOption) ([]byte, error)
}

// PCMFormat describes raw interleaved little-endian signed PCM.
type PCMFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// RoomPCM is the format the room transport streams: 48 kHz, mono, 16-bit.
var RoomPCM = PCMFormat{SampleRate: 48000, Channels: 1, BitDepth: 16}

// BytesPerSecond is the PCM byte rate for f.
func (f PCMFormat) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// Duration returns how long n bytes of PCM in format f play for.
func (f PCMFormat) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Transcoder converts an encoded audio file into raw PCM.
type Transcoder interface {
	ToPCM(ctx context.Context, inputPath string, format PCMFormat) ([]byte, error)
}

// EventKind tags a RoomEvent.
type EventKind int

const (
	ParticipantJoined EventKind = iota + 1
	Transcription
	ParticipantLeft
	RoomError
)

func (k EventKind) String() string {
	switch k {
	case ParticipantJoined:
		return "participant_joined"
	case Transcription:
		return "transcription"
	case ParticipantLeft:
		return "participant_left"
	case RoomError:
		return "error"
	default:
		return "unknown"
	}
}

// RoomEvent is delivered by a Room in the order it occurred at the room.
type RoomEvent struct {
	Kind     EventKind
	Room     string
	Identity string
	// Text and Final are set for Transcription events.
	Text  string
	Final bool
	// Err is set for RoomError events. An Identity-less error concerns the whole room.
	Err error
	At  time.Time
}

// Room is the real-time media channel the agent joins.
type Room interface {
	// Events is closed when the room connection is gone for good.
	Events() <-chan RoomEvent
	// Announce speaks a fixed prompt through the room's own speech capability.
	Announce(ctx context.Context, text string) error
	// PublishAudio streams raw PCM as the agent's outgoing audio and returns once it has played out.
	PublishAudio(ctx context.Context, pcm []byte, format PCMFormat) error
	Close() error
}

// Option types are intentionally small placeholders to allow vendor-specific options.
type TTSOption func(*map[string]any)
type LLMOption func(*map[string]any)

// ApplyOptions folds opts into a settings map.
func ApplyOptions[T ~func(*map[string]any)](opts []T) map[string]any {
	m := map[string]any{}
	for _, o := range opts {
		if o != nil {
			o(&m)
		}
	}
	return m
}

// WithVoice overrides the synthesis voice for one call.
func WithVoice(voice string) TTSOption {
	return func(m *map[string]any) { (*m)["voice"] = voice }
}

// WithModel overrides the model for one call.
func WithModel(model string) LLMOption {
	return func(m *map[string]any) { (*m)["model"] = model }
}
