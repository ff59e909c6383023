package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

func TestNewJob_PathsPerTurn(t *testing.T) {
	dir := t.TempDir()
	a := NewJob("s1", "", "hello", dir)
	b := NewJob("s1", "", "hello", dir)
	if a.TurnID == b.TurnID || a.EncodedPath == b.EncodedPath {
		t.Fatalf("two jobs share a turn: %s %s", a.EncodedPath, b.EncodedPath)
	}
	c := NewJob("s1", "t-7", "hello", dir)
	if c.EncodedPath != filepath.Join(dir, "s1-t-7.audio") {
		t.Fatalf("path = %s", c.EncodedPath)
	}
}

func TestPipeline_Run(t *testing.T) {
	dir := t.TempDir()
	codec := &fakeCodec{}
	var gotVoice string
	tts := &voiceTTS{voice: &gotVoice}
	p := &Pipeline{TTS: tts, Codec: codec, Voice: "nova", WorkDir: filepath.Join(dir, "work")}

	var published []byte
	var format interfaces.PCMFormat
	job := NewJob("s1", "t1", "Dr. Patel is free at 3pm.", p.WorkDir)
	err := p.Run(context.Background(), job, func(_ context.Context, pcm []byte, f interfaces.PCMFormat) error {
		published, format = pcm, f
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(published) != "PCM:WAV:Dr. Patel is free at 3pm." {
		t.Fatalf("published %q", published)
	}
	if format != interfaces.RoomPCM {
		t.Fatalf("format = %+v", format)
	}
	if gotVoice != "nova" {
		t.Fatalf("voice = %q", gotVoice)
	}
	if paths := codec.seenPaths(); len(paths) != 1 || paths[0] != job.EncodedPath {
		t.Fatalf("codec read %v", paths)
	}
	if _, err := os.Stat(job.EncodedPath); !os.IsNotExist(err) {
		t.Fatalf("encoded file not removed: %v", err)
	}
	if job.PCM != nil {
		t.Fatalf("pcm buffer kept after run")
	}
}

func TestPipeline_StageErrors(t *testing.T) {
	publishOK := func(context.Context, []byte, interfaces.PCMFormat) error { return nil }
	cases := []struct {
		name    string
		tts     *fakeTTS
		codec   *fakeCodec
		publish Publisher
		stage   string
		kind    string
	}{
		{"synthesis", &fakeTTS{speak: func(context.Context, string) ([]byte, error) {
			return nil, faults.ErrRemoteUnavailable
		}}, &fakeCodec{}, publishOK, StageSynthesize, "RemoteUnavailable"},
		{"synthesis_deadline", &fakeTTS{speak: func(ctx context.Context, _ string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}, &fakeCodec{}, publishOK, StageSynthesize, "RemoteTimeout"},
		{"transcode", &fakeTTS{}, &fakeCodec{err: faults.ErrDecode}, publishOK, StageTranscode, "DecodeError"},
		{"publish", &fakeTTS{}, &fakeCodec{}, func(context.Context, []byte, interfaces.PCMFormat) error {
			return faults.ErrTransport
		}, StagePublish, "TransportError"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			p := &Pipeline{TTS: tc.tts, Codec: tc.codec, WorkDir: dir, SynthesisTimeout: 50 * time.Millisecond}
			job := NewJob("s1", "t1", "hello", dir)
			err := p.Run(context.Background(), job, tc.publish)
			if StageOf(err) != tc.stage {
				t.Fatalf("stage = %q (%v), want %q", StageOf(err), err, tc.stage)
			}
			if faults.Kind(err) != tc.kind {
				t.Fatalf("kind = %q, want %q", faults.Kind(err), tc.kind)
			}
			if _, err := os.Stat(job.EncodedPath); !os.IsNotExist(err) {
				t.Fatalf("encoded file left after %s failure", tc.stage)
			}
		})
	}
}

func TestPipeline_CancelledBeforePublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		TTS: &fakeTTS{speak: func(context.Context, string) ([]byte, error) {
			cancel()
			return []byte("WAV"), nil
		}},
		Codec:   &ctxCodec{},
		WorkDir: t.TempDir(),
	}
	called := false
	err := p.Run(ctx, NewJob("s1", "t1", "hello", p.WorkDir), func(context.Context, []byte, interfaces.PCMFormat) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || StageOf(err) != StageTranscode {
		t.Fatalf("err = %v", err)
	}
	if called {
		t.Fatalf("published after cancellation")
	}
}

func TestStageError_Message(t *testing.T) {
	err := &StageError{Stage: StagePublish, Err: faults.ErrTransport}
	if !strings.HasPrefix(err.Error(), "publish: ") || !errors.Is(err, faults.ErrTransport) {
		t.Fatalf("error = %v", err)
	}
	if StageOf(errors.New("plain")) != "" {
		t.Fatalf("plain error has a stage")
	}
}

type voiceTTS struct{ voice *string }

func (v *voiceTTS) Speak(ctx context.Context, text string, opts ...interfaces.TTSOption) ([]byte, error) {
	*v.voice, _ = interfaces.ApplyOptions(opts)["voice"].(string)
	return []byte("WAV:" + text), nil
}

// ctxCodec fails once its context is done.
type ctxCodec struct{}

func (ctxCodec) ToPCM(ctx context.Context, _ string, _ interfaces.PCMFormat) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte{0, 0}, nil
}
