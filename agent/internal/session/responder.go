package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jacky-htg/voice-agent/libs/faults"
	"github.com/jacky-htg/voice-agent/libs/interfaces"
)

// Responder owns the system prompt and turns a transcript into one reply.
type Responder struct {
	llm          interfaces.LLM
	systemPrompt string
	greetings    []string
	timeout      time.Duration
}

// NewResponder builds a Responder. greetings are replayed to the model as the
// agent's opening lines, since the human heard them.
func NewResponder(llm interfaces.LLM, systemPrompt string, greetings []string, timeout time.Duration) *Responder {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Responder{llm: llm, systemPrompt: systemPrompt, greetings: greetings, timeout: timeout}
}

// Messages frames transcript for the model.
func (r *Responder) Messages(transcript []Turn) []interfaces.Message {
	msgs := make([]interfaces.Message, 0, len(transcript)+len(r.greetings)+1)
	if r.systemPrompt != "" {
		msgs = append(msgs, interfaces.Message{Role: interfaces.RoleSystem, Content: r.systemPrompt})
	}
	for _, g := range r.greetings {
		msgs = append(msgs, interfaces.Message{Role: interfaces.RoleAssistant, Content: g})
	}
	for _, t := range transcript {
		role := interfaces.RoleUser
		if t.Role == Agent {
			role = interfaces.RoleAssistant
		}
		msgs = append(msgs, interfaces.Message{Role: role, Content: t.Text})
	}
	return msgs
}

// Reply asks the model for the next agent line. The call is bounded by the
// responder timeout independently of any other stage.
func (r *Responder) Reply(ctx context.Context, transcript []Turn) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := r.llm.Generate(callCtx, r.Messages(transcript))
	if err != nil {
		switch {
		case faults.Kind(err) != "Unknown":
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: %w", faults.ErrRemoteTimeout, err)
		default:
			err = fmt.Errorf("%w: %w", faults.ErrRemoteUnavailable, err)
		}
		return "", fmt.Errorf("responder: %w", err)
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", fmt.Errorf("responder: %w", faults.ErrEmptyReply)
	}
	return reply, nil
}
