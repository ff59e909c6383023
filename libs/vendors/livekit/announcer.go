package livekit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

// Announcer renders fixed prompts to room PCM. Results are cached by text,
// so a greeting is synthesised once per process no matter how many times it plays.
type Announcer struct {
	tts     interfaces.TTS
	codec   interfaces.Transcoder
	workDir string

	mu    sync.Mutex
	cache map[string][]byte
}

func NewAnnouncer(tts interfaces.TTS, codec interfaces.Transcoder, workDir string) *Announcer {
	return &Announcer{tts: tts, codec: codec, workDir: workDir, cache: map[string][]byte{}}
}

// Render returns PCM in the room format for text.
func (a *Announcer) Render(ctx context.Context, text string) ([]byte, error) {
	a.mu.Lock()
	pcm, ok := a.cache[text]
	a.mu.Unlock()
	if ok {
		return pcm, nil
	}

	audio, err := a.tts.Speak(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("synthesize announcement: %w", err)
	}

	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(a.workDir, "announce-"+uuid.NewString()+".audio")
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return nil, fmt.Errorf("write announcement audio: %w", err)
	}
	defer os.Remove(path)

	pcm, err = a.codec.ToPCM(ctx, path, interfaces.RoomPCM)
	if err != nil {
		return nil, fmt.Errorf("transcode announcement: %w", err)
	}

	a.mu.Lock()
	a.cache[text] = pcm
	a.mu.Unlock()
	return pcm, nil
}
