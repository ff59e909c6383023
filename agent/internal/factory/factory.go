package factory

import (
	"fmt"

	"github.com/jacky-htg/voice-agent/libs/config"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
	"github.com/jacky-htg/voice-agent/libs/vendors/ffmpeg"
	"github.com/jacky-htg/voice-agent/libs/vendors/ollama"
	"github.com/jacky-htg/voice-agent/libs/vendors/openai"
	"github.com/jacky-htg/voice-agent/libs/vendors/piper"
)

func NewLLM(cfg *config.Config) (interfaces.LLM, error) {
	switch cfg.LLMVendor {
	case "openai":
		return openai.NewLLM(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "ollama":
		return ollama.NewWithEndpointModel(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("unknown llm vendor %q", cfg.LLMVendor)
	}
}

// NewTTS builds the synthesizer used for replies.
func NewTTS(cfg *config.Config) (interfaces.TTS, error) {
	return newTTS(cfg, cfg.TTSVendor)
}

// NewAnnounceTTS builds the synthesizer behind the room's announce capability.
func NewAnnounceTTS(cfg *config.Config) (interfaces.TTS, error) {
	vendor := cfg.AnnounceVendor
	if vendor == "" {
		vendor = cfg.TTSVendor
	}
	return newTTS(cfg, vendor)
}

func newTTS(cfg *config.Config, vendor string) (interfaces.TTS, error) {
	switch vendor {
	case "openai":
		return openai.NewTTS(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAITTSModel, cfg.TTSVoice), nil
	case "piper":
		if cfg.PiperEndpoint != "" {
			return piper.NewWithEndpoint(cfg.PiperEndpoint), nil
		}
		return piper.New(), nil
	default:
		return nil, fmt.Errorf("unknown tts vendor %q", vendor)
	}
}

func NewTranscoder(cfg *config.Config) interfaces.Transcoder {
	return ffmpeg.New(cfg.FFmpegPath, cfg.CodecTimeout)
}
