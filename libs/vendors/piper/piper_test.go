package piper

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

func TestSpeak_Form(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("text") != "hello" || r.FormValue("voice") != "en_US-amy" {
			http.Error(w, "missing text", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF-fake"))
	}))
	defer srv.Close()

	audio, err := NewWithEndpoint(srv.URL).Speak(context.Background(), "hello", interfaces.WithVoice("en_US-amy"))
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if string(audio) != "RIFF-fake" {
		t.Fatalf("audio = %q", audio)
	}
}

func TestSpeak_FallsBackToPlainText(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Content-Type") != "text/plain" {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("wav:"), b...))
	}))
	defer srv.Close()

	audio, err := NewWithEndpoint(srv.URL).Speak(context.Background(), "hi")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if string(audio) != "wav:hi" {
		t.Fatalf("audio = %q", audio)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected form, json, text attempts; got %d calls", calls.Load())
	}
}

func TestSpeak_EmptyTextIsInvalid(t *testing.T) {
	_, err := NewWithEndpoint("http://127.0.0.1:1").Speak(context.Background(), "  ")
	if !errors.Is(err, faults.ErrInvalidInput) {
		t.Fatalf("got %v, want InvalidInput", err)
	}
}

func TestSpeak_AllAttemptsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewWithEndpoint(srv.URL).Speak(context.Background(), "hello")
	if !errors.Is(err, faults.ErrRemoteUnavailable) {
		t.Fatalf("got %v, want RemoteUnavailable", err)
	}
}

func TestSpeak_Timeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := NewWithEndpoint(srv.URL).Speak(ctx, "hello")
	if !errors.Is(err, faults.ErrRemoteTimeout) {
		t.Fatalf("got %v, want RemoteTimeout", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("timeout should stop the fallbacks, got %d calls", calls.Load())
	}
}
