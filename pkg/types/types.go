// Package types defines the shared types used across all livecall packages.
//
// These types form the lingua franca between the capture source, the playback
// sink, the agent transport and the session controller. They are intentionally
// minimal. Each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"errors"
	"fmt"
	"time"
)

// VoiceConfig selects the agent voice for one session. It is set once when the
// session starts; changing it requires a new session.
type VoiceConfig struct {
	// VoiceName is the provider-specific prebuilt voice (e.g. "Aoede").
	VoiceName string

	// LanguageCode is a BCP-47 language tag (e.g. "es-ES").
	LanguageCode string
}

// String returns "voice/language" for log output.
func (v VoiceConfig) String() string {
	return v.VoiceName + "/" + v.LanguageCode
}

// Role identifies who produced a transcript line.
type Role string

const (
	// RoleUser marks speech recognised from the local microphone.
	RoleUser Role = "user"

	// RoleAgent marks text produced by the remote agent.
	RoleAgent Role = "agent"
)

// Transcript is a text rendition of speech reported by the remote agent, either
// for the user's input or for the agent's own output.
type Transcript struct {
	// Role is the speaker.
	Role Role

	// Text is the transcribed or generated text. Dialects that stream text in
	// fragments emit one Transcript per fragment.
	Text string

	// Final is true when the provider marked the text as complete.
	Final bool

	// Timestamp marks when the transcript was received, relative to the
	// session's transport start.
	Timestamp time.Duration
}

// ErrorKind classifies session faults. The set is closed.
type ErrorKind int

const (
	// KindUnknown is the zero value and never emitted deliberately.
	KindUnknown ErrorKind = iota

	// KindPermissionDenied means the user refused microphone access. Terminal;
	// a new session must be started after access is granted.
	KindPermissionDenied

	// KindNotConnected means the transport was used before it became ready.
	KindNotConnected

	// KindTransport covers connection drops and unreachable or unauthorised
	// backends.
	KindTransport

	// KindRateLimited is reported by the post-call analysis backend only.
	KindRateLimited

	// KindCapture covers capture hardware failures.
	KindCapture
)

// String returns the human-readable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "PERMISSION_DENIED"
	case KindNotConnected:
		return "NOT_CONNECTED"
	case KindTransport:
		return "TRANSPORT_ERROR"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindCapture:
		return "CAPTURE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// SessionError is the single error value surfaced by a session when it enters
// the Errored state.
type SessionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewSessionError wraps err with kind. The message defaults to err's text.
func NewSessionError(kind ErrorKind, err error) *SessionError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &SessionError{Kind: kind, Message: msg, Err: err}
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or KindUnknown if err does not
// wrap a [SessionError].
func KindOf(err error) ErrorKind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
