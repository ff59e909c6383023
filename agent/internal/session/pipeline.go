package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

// Stage names used in logs and StageError.
const (
	StageRespond    = "respond"
	StageSynthesize = "synthesize"
	StageTranscode  = "transcode"
	StagePublish    = "publish"
	StageAnnounce   = "announce"
)

// StageError records which pipeline stage failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failed stage of err, or "".
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// SynthesisJob is the working state of one reply cycle. Its files are named
// by turn so back-to-back turns never share a path.
type SynthesisJob struct {
	TurnID      string
	SessionID   string
	Text        string
	EncodedPath string
	PCM         []byte
}

// NewJob allocates a job for text. An empty turnID gets a fresh one.
func NewJob(sessionID, turnID, text, workDir string) *SynthesisJob {
	turn := turnID
	if turn == "" {
		turn = uuid.NewString()
	}
	return &SynthesisJob{
		TurnID:      turn,
		SessionID:   sessionID,
		Text:        text,
		EncodedPath: filepath.Join(workDir, fmt.Sprintf("%s-%s.audio", sessionID, turn)),
	}
}

func (j *SynthesisJob) release() {
	_ = os.Remove(j.EncodedPath)
	j.PCM = nil
}

// Publisher streams PCM to the room on behalf of one session.
type Publisher func(ctx context.Context, pcm []byte, format interfaces.PCMFormat) error

// Pipeline runs Synthesizer, Codec and publish for a reply.
type Pipeline struct {
	TTS   interfaces.TTS
	Codec interfaces.Transcoder
	Voice string

	WorkDir          string
	SynthesisTimeout time.Duration
	CodecTimeout     time.Duration
}

// Run executes job. The encoded audio file is removed on every return path.
func (p *Pipeline) Run(ctx context.Context, job *SynthesisJob, publish Publisher) error {
	defer job.release()

	if err := os.MkdirAll(p.WorkDir, 0o755); err != nil {
		return &StageError{Stage: StageSynthesize, Err: fmt.Errorf("%w: work dir: %w", faults.ErrToolUnavailable, err)}
	}

	var opts []interfaces.TTSOption
	if p.Voice != "" {
		opts = append(opts, interfaces.WithVoice(p.Voice))
	}
	synthCtx, cancel := context.WithTimeout(ctx, orDefault(p.SynthesisTimeout, 30*time.Second))
	audio, err := p.TTS.Speak(synthCtx, job.Text, opts...)
	timedOut := errors.Is(synthCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut && !errors.Is(err, faults.ErrRemoteTimeout) {
			err = fmt.Errorf("%w: %w", faults.ErrRemoteTimeout, err)
		}
		return &StageError{Stage: StageSynthesize, Err: err}
	}
	if err := os.WriteFile(job.EncodedPath, audio, 0o600); err != nil {
		return &StageError{Stage: StageSynthesize, Err: fmt.Errorf("write encoded audio: %w", err)}
	}

	codecCtx, cancel := context.WithTimeout(ctx, orDefault(p.CodecTimeout, 10*time.Second))
	job.PCM, err = p.Codec.ToPCM(codecCtx, job.EncodedPath, interfaces.RoomPCM)
	cancel()
	if err != nil {
		return &StageError{Stage: StageTranscode, Err: err}
	}

	if err := publish(ctx, job.PCM, interfaces.RoomPCM); err != nil {
		return &StageError{Stage: StagePublish, Err: err}
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
