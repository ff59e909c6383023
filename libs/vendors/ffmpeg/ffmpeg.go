package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

const defaultTimeout = 10 * time.Second

// Transcoder decodes audio files to raw PCM with one ffmpeg process per call.
type Transcoder struct {
	// Binary is the ffmpeg executable, looked up in PATH when it has no slash.
	Binary string
	// Timeout bounds a single conversion. Zero means 10s.
	Timeout time.Duration
}

// New returns a Transcoder for the given ffmpeg binary.
func New(binary string, timeout time.Duration) *Transcoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Transcoder{Binary: binary, Timeout: timeout}
}

var _ interfaces.Transcoder = (*Transcoder)(nil)

// Args builds the ffmpeg command line. Metadata and encoder tags are stripped
// so identical input always produces identical bytes.
func Args(inputPath string, format interfaces.PCMFormat) []string {
	return []string{
		"-nostdin", "-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-map_metadata", "-1",
		"-fflags", "+bitexact", "-flags:a", "+bitexact",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"pipe:1",
	}
}

// ToPCM converts inputPath to 16-bit signed little-endian PCM.
//
// A missing binary, an expired deadline, or a process killed by a signal is
// ErrToolUnavailable. A non-zero exit or empty output is ErrDecode.
func (t *Transcoder) ToPCM(ctx context.Context, inputPath string, format interfaces.PCMFormat) ([]byte, error) {
	if format.BitDepth != 16 || format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("ffmpeg: %w: unsupported target format %+v", faults.ErrInvalidInput, format)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %w", faults.ErrDecode, err)
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, t.Binary, Args(inputPath, format)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Do not wait forever on pipes held open by grandchildren after a kill.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	if err != nil {
		if execCtx.Err() != nil {
			return nil, fmt.Errorf("ffmpeg: %w: %w", faults.ErrToolUnavailable, execCtx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == -1 {
				return nil, fmt.Errorf("ffmpeg: %w: %s", faults.ErrToolUnavailable, exitErr)
			}
			return nil, fmt.Errorf("ffmpeg exit %d: %w: %s", exitErr.ExitCode(), faults.ErrDecode, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("ffmpeg: %w: %w", faults.ErrToolUnavailable, err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg: %w: no audio decoded", faults.ErrDecode)
	}
	return stdout.Bytes(), nil
}
