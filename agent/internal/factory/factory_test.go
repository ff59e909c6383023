package factory

import (
	"strings"
	"testing"
	"time"

	"github.com/jacky-htg/voice-agent/libs/config"
	"github.com/jacky-htg/voice-agent/libs/vendors/ffmpeg"
)

func TestVendorSelection(t *testing.T) {
	cfg := &config.Config{
		LLMVendor:      "ollama",
		TTSVendor:      "piper",
		AnnounceVendor: "openai",
		OpenAIAPIKey:   "sk-test",
		PiperEndpoint:  "http://piper:5000/tts",
		FFmpegPath:     "/usr/bin/ffmpeg",
		CodecTimeout:   3 * time.Second,
	}
	for name, build := range map[string]func() (any, error){
		"llm":      func() (any, error) { return NewLLM(cfg) },
		"tts":      func() (any, error) { return NewTTS(cfg) },
		"announce": func() (any, error) { return NewAnnounceTTS(cfg) },
	} {
		v, err := build()
		if err != nil || v == nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	tr, ok := NewTranscoder(cfg).(*ffmpeg.Transcoder)
	if !ok || tr.Binary != "/usr/bin/ffmpeg" || tr.Timeout != 3*time.Second {
		t.Fatalf("transcoder = %#v", tr)
	}
}

func TestAnnounceFallsBackToTTSVendor(t *testing.T) {
	cfg := &config.Config{TTSVendor: "piper"}
	if _, err := NewAnnounceTTS(cfg); err != nil {
		t.Fatalf("announce: %v", err)
	}
}

func TestUnknownVendor(t *testing.T) {
	cfg := &config.Config{LLMVendor: "gemini", TTSVendor: "polly"}
	if _, err := NewLLM(cfg); err == nil || !strings.Contains(err.Error(), "gemini") {
		t.Fatalf("llm err = %v", err)
	}
	if _, err := NewTTS(cfg); err == nil || !strings.Contains(err.Error(), "polly") {
		t.Fatalf("tts err = %v", err)
	}
}
