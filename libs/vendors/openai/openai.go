// Package openai adapts the OpenAI chat and speech endpoints to the LLM and
// TTS interfaces. Any server speaking the same API works through baseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

const (
	defaultChatModel   = "gpt-4o-mini"
	defaultSpeechModel = "gpt-4o-mini-tts"
	defaultVoice       = "alloy"
)

func newClient(apiKey, baseURL string, extra []option.RequestOption) openai.Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return openai.NewClient(append(opts, extra...)...)
}

type chatLLM struct {
	client openai.Client
	model  string
}

// NewLLM returns an LLM backed by chat completions.
func NewLLM(apiKey, baseURL, model string, extra ...option.RequestOption) interfaces.LLM {
	if model == "" {
		model = defaultChatModel
	}
	return &chatLLM{client: newClient(apiKey, baseURL, extra), model: model}
}

func (c *chatLLM) Generate(ctx context.Context, messages []interfaces.Message, opts ...interfaces.LLMOption) (string, error) {
	model := c.model
	if m, ok := interfaces.ApplyOptions(opts)["model"].(string); ok && m != "" {
		model = m
	}

	params := openai.ChatCompletionNewParams{Model: openai.ChatModel(model)}
	for _, m := range messages {
		switch m.Role {
		case interfaces.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case interfaces.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w: %w", classify(err), err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai chat: %w: no choices", faults.ErrEmptyReply)
	}
	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", fmt.Errorf("openai chat: %w", faults.ErrEmptyReply)
	}
	return reply, nil
}

type speechTTS struct {
	client openai.Client
	model  string
	voice  string
}

// NewTTS returns a TTS that asks the speech endpoint for WAV audio.
func NewTTS(apiKey, baseURL, model, voice string, extra ...option.RequestOption) interfaces.TTS {
	if model == "" {
		model = defaultSpeechModel
	}
	if voice == "" {
		voice = defaultVoice
	}
	return &speechTTS{client: newClient(apiKey, baseURL, extra), model: model, voice: voice}
}

func (s *speechTTS) Speak(ctx context.Context, text string, opts ...interfaces.TTSOption) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("openai speech: %w: empty text", faults.ErrInvalidInput)
	}
	voice := s.voice
	if v, ok := interfaces.ApplyOptions(opts)["voice"].(string); ok && v != "" {
		voice = v
	}

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w: %w", classify(err), err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech body: %w: %w", faults.FromRemote(err), err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("openai speech: %w: empty audio", faults.ErrRemoteUnavailable)
	}
	return audio, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return faults.FromHTTPStatus(apiErr.StatusCode)
	}
	return faults.FromRemote(err)
}
