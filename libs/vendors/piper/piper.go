package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

const defaultEndpoint = "http://localhost:7071/tts"

// piperTTS talks to a Piper HTTP wrapper that returns WAV audio.
type piperTTS struct {
	endpoint string
	client   *http.Client
}

// New returns a Piper TTS implementation with the default local endpoint.
func New() interfaces.TTS { return NewWithEndpoint(defaultEndpoint) }

// NewWithEndpoint allows overriding the Piper TTS endpoint.
func NewWithEndpoint(endpoint string) interfaces.TTS {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	// The Piper binary may take a while to start; per-call deadlines come from ctx.
	return &piperTTS{endpoint: endpoint, client: &http.Client{Timeout: 120 * time.Second}}
}

type ttsRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Speak tries the request shapes different Piper wrappers accept, in order:
// url-encoded form, JSON, plain text, then GET with a query parameter.
func (p *piperTTS) Speak(ctx context.Context, text string, opts ...interfaces.TTSOption) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("piper tts: %w: empty text", faults.ErrInvalidInput)
	}
	voice, _ := interfaces.ApplyOptions(opts)["voice"].(string)

	attempts := []func() (*http.Request, error){
		func() (*http.Request, error) {
			form := url.Values{}
			form.Set("text", text)
			if voice != "" {
				form.Set("voice", voice)
			}
			return newRequest(ctx, http.MethodPost, p.endpoint, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
		},
		func() (*http.Request, error) {
			b, _ := json.Marshal(ttsRequest{Text: text, Voice: voice})
			return newRequest(ctx, http.MethodPost, p.endpoint, "application/json", bytes.NewReader(b))
		},
		func() (*http.Request, error) {
			return newRequest(ctx, http.MethodPost, p.endpoint, "text/plain", strings.NewReader(text))
		},
		func() (*http.Request, error) {
			sep := "?"
			if strings.Contains(p.endpoint, "?") {
				sep = "&"
			}
			return newRequest(ctx, http.MethodGet, p.endpoint+sep+"text="+url.QueryEscape(text), "", nil)
		},
	}

	var lastErr error
	for _, build := range attempts {
		req, err := build()
		if err != nil {
			return nil, fmt.Errorf("build piper request: %w", err)
		}
		audio, err := p.do(req)
		if err == nil {
			return audio, nil
		}
		lastErr = err
		// A transport failure or an expired deadline will not be fixed by another request shape.
		if ctx.Err() != nil || !errors.Is(err, errBadStatus) {
			break
		}
	}
	return nil, fmt.Errorf("piper tts request failed: %w", lastErr)
}

var errBadStatus = errors.New("bad status")

func newRequest(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (p *piperTTS) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", faults.FromRemote(err), err)
	}
	defer resp.Body.Close()

	// The server writes chunked WAV; buffer it whole since the codec needs a file anyway.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w: %w", faults.FromRemote(err), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %w: %w", resp.StatusCode, faults.FromHTTPStatus(resp.StatusCode), errBadStatus)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty audio: %w", faults.ErrRemoteUnavailable)
	}
	return body, nil
}
