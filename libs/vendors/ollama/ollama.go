package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

const (
	defaultEndpoint = "http://localhost:11434/api/chat"
	defaultModel    = "tinyllama"
)

type ollamaLLM struct {
	endpoint string
	model    string
	client   *http.Client
}

// New returns a client configured for the local Ollama HTTP API.
func New() interfaces.LLM {
	return NewWithEndpointModel(defaultEndpoint, defaultModel)
}

// NewWithEndpointModel creates an Ollama client with custom endpoint and model.
// Deadlines come from the caller's context; the client timeout is only a backstop.
func NewWithEndpointModel(endpoint, model string) interfaces.LLM {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if model == "" {
		model = defaultModel
	}
	return &ollamaLLM{endpoint: endpoint, model: model, client: &http.Client{Timeout: 2 * time.Minute}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Model     string      `json:"model"`
	CreatedAt string      `json:"created_at"`
	Message   chatMessage `json:"message"`
	Done      bool        `json:"done"`
	Error     string      `json:"error,omitempty"`
}

func (o *ollamaLLM) Generate(ctx context.Context, messages []interfaces.Message, opts ...interfaces.LLMOption) (string, error) {
	model := o.model
	if m, ok := interfaces.ApplyOptions(opts)["model"].(string); ok && m != "" {
		model = m
	}

	reqBody := chatRequest{Model: model, Stream: false}
	for _, m := range messages {
		reqBody.Messages = append(reqBody.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("new ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post to ollama: %w: %w", faults.FromRemote(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("ollama status %d: %w: %s", resp.StatusCode, faults.FromHTTPStatus(resp.StatusCode), string(body))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w: %w", faults.FromRemote(err), err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama: %w: %s", faults.ErrRemoteUnavailable, out.Error)
	}

	reply := strings.TrimSpace(out.Message.Content)
	if reply == "" {
		return "", fmt.Errorf("ollama: %w", faults.ErrEmptyReply)
	}
	return reply, nil
}
