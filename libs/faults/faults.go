// Package faults holds the error taxonomy shared by the agent pipeline.
//
// Vendors wrap their failures with one of the sentinel errors below so the
// session controller can decide, with errors.Is, whether a failure is local
// to a turn or ends the session.
package faults

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteTimeout     = errors.New("remote timeout")
	ErrEmptyReply        = errors.New("empty reply")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDecode            = errors.New("decode error")
	ErrToolUnavailable   = errors.New("tool unavailable")
	// ErrTransport is fatal for the session that observes it.
	ErrTransport       = errors.New("transport error")
	ErrSessionNotFound = errors.New("session not found")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrRemoteTimeout, "RemoteTimeout"},
	{ErrRemoteUnavailable, "RemoteUnavailable"},
	{ErrEmptyReply, "EmptyReply"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrDecode, "DecodeError"},
	{ErrToolUnavailable, "ToolUnavailable"},
	{ErrTransport, "TransportError"},
	{ErrSessionNotFound, "SessionNotFound"},
}

// Kind returns the taxonomy name of err, or "Unknown".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Unknown"
}

// Fatal reports whether err must end the session.
func Fatal(err error) bool {
	return errors.Is(err, ErrTransport)
}

// FromRemote classifies an error returned while calling a remote service.
// Deadline expiry maps to ErrRemoteTimeout, anything else to ErrRemoteUnavailable.
func FromRemote(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrRemoteTimeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return ErrRemoteTimeout
	}
	return ErrRemoteUnavailable
}

// FromHTTPStatus classifies a non-2xx response. Request-shaped rejections are
// ErrInvalidInput; everything else means the service could not serve us.
func FromHTTPStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return ErrInvalidInput
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrRemoteTimeout
	default:
		return ErrRemoteUnavailable
	}
}
