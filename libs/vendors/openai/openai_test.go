package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go/option"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

type fakeAPI struct {
	chatStatus  int
	chatContent string
	speechBody  []byte
	delay       time.Duration

	mu         sync.Mutex
	lastChat   map[string]any
	lastSpeech map[string]any
}

func (f *fakeAPI) chat() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastChat
}

func (f *fakeAPI) speech() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSpeech
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(f.delay):
		}
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastChat = body
		f.mu.Unlock()
		if f.chatStatus != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.chatStatus)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 0, "model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": f.chatContent},
			}},
		})
	case strings.HasSuffix(r.URL.Path, "/audio/speech"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastSpeech = body
		f.mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(f.speechBody)
	default:
		http.NotFound(w, r)
	}
}

func newFake(t *testing.T, f *fakeAPI) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv.URL + "/v1/"
}

func TestGenerate_FramesRoles(t *testing.T) {
	f := &fakeAPI{chatContent: " We're open 9 to 5 "}
	llm := NewLLM("sk-test", newFake(t, f), "", option.WithMaxRetries(0))

	reply, err := llm.Generate(context.Background(), []interfaces.Message{
		{Role: interfaces.RoleSystem, Content: "sys"},
		{Role: interfaces.RoleAssistant, Content: "Hello!"},
		{Role: interfaces.RoleUser, Content: "What time is the clinic open?"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply != "We're open 9 to 5" {
		t.Fatalf("reply = %q", reply)
	}
	sent := f.chat()
	msgs, _ := sent["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages sent = %v", sent["messages"])
	}
	roles := []string{"system", "assistant", "user"}
	for i, m := range msgs {
		if got := m.(map[string]any)["role"]; got != roles[i] {
			t.Fatalf("message %d role = %v, want %s", i, got, roles[i])
		}
	}
	if sent["model"] != defaultChatModel {
		t.Fatalf("model = %v", sent["model"])
	}
}

func TestGenerate_Errors(t *testing.T) {
	cases := []struct {
		name string
		fake *fakeAPI
		want error
	}{
		{"empty", &fakeAPI{chatContent: "  "}, faults.ErrEmptyReply},
		{"bad_request", &fakeAPI{chatStatus: http.StatusBadRequest}, faults.ErrInvalidInput},
		{"server_error", &fakeAPI{chatStatus: http.StatusInternalServerError}, faults.ErrRemoteUnavailable},
		{"timeout", &fakeAPI{chatContent: "late", delay: 2 * time.Second}, faults.ErrRemoteTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			llm := NewLLM("sk-test", newFake(t, tc.fake), "", option.WithMaxRetries(0))
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()
			_, err := llm.Generate(ctx, []interfaces.Message{{Role: interfaces.RoleUser, Content: "hi"}})
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v (%s), want %v", err, faults.Kind(err), tc.want)
			}
		})
	}
}

func TestSpeak_RequestsWAV(t *testing.T) {
	f := &fakeAPI{speechBody: []byte("RIFF....WAVE")}
	tts := NewTTS("sk-test", newFake(t, f), "tts-1", "", option.WithMaxRetries(0))

	audio, err := tts.Speak(context.Background(), "We're open 9 to 5", interfaces.WithVoice("nova"))
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if string(audio) != "RIFF....WAVE" {
		t.Fatalf("audio = %q", audio)
	}
	req := f.speech()
	if req["response_format"] != "wav" || req["voice"] != "nova" || req["model"] != "tts-1" {
		t.Fatalf("speech request = %v", req)
	}
}

func TestSpeak_Errors(t *testing.T) {
	tts := NewTTS("sk-test", newFake(t, &fakeAPI{}), "", "", option.WithMaxRetries(0))
	if _, err := tts.Speak(context.Background(), ""); !errors.Is(err, faults.ErrInvalidInput) {
		t.Fatalf("empty text: got %v", err)
	}
	if _, err := tts.Speak(context.Background(), "hello"); !errors.Is(err, faults.ErrRemoteUnavailable) {
		t.Fatalf("empty audio: got %v", err)
	}
}
