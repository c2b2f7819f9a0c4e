// Package s2s defines the transport abstraction for speech-to-speech voice
// agents.
//
// A speech-to-speech agent accepts raw audio and answers with synthesised
// audio over one stateful duplex connection. [Transport] is the session-scoped
// handle on that connection: outbound frames are serialised onto the wire by a
// single writer, inbound traffic is demultiplexed into an audio stream, a
// control stream and a transcript stream.
//
// [Duplex] is the WebSocket implementation shared by every backend; the wire
// format of a backend is captured by a [Dialect] (see the gemini and openai
// sub-packages). A Transport serves exactly one session and cannot be
// reconnected after Close.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/types"
)

var (
	// ErrNotConnected is returned by [Transport.SendAudio] before the remote
	// agent signalled Ready.
	ErrNotConnected = errors.New("s2s: transport not connected")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("s2s: transport closed")

	// ErrAlreadyConnected is returned by a second [Transport.Connect] call.
	ErrAlreadyConnected = errors.New("s2s: transport already connected")

	// ErrUnauthorized is returned by [Transport.Connect] when the backend
	// rejects the credentials (HTTP 401 or 403 on the upgrade request).
	ErrUnauthorized = errors.New("s2s: unauthorized")

	// ErrOutOfOrder is returned by [Transport.SendAudio] for a frame whose
	// sequence number is not greater than the previous outbound frame.
	ErrOutOfOrder = errors.New("s2s: outbound frame out of order")
)

// ControlKind enumerates the session-level signals a transport delivers.
type ControlKind int

const (
	// ControlReady means the transport is usable and capture may send.
	ControlReady ControlKind = iota

	// ControlTurnComplete means the agent finished speaking. Every audio frame
	// of the turn has been delivered before this message.
	ControlTurnComplete

	// ControlInterrupted means the user's speech pre-empted the agent. Agent
	// audio that has not been rendered yet must be discarded.
	ControlInterrupted

	// ControlError reports a fatal fault; see [ControlMessage.ErrKind].
	ControlError

	// ControlSessionEnd is an orderly termination by the remote side.
	ControlSessionEnd
)

// String returns the wire-neutral name of the kind.
func (k ControlKind) String() string {
	switch k {
	case ControlReady:
		return "ready"
	case ControlTurnComplete:
		return "turn_complete"
	case ControlInterrupted:
		return "interrupted"
	case ControlError:
		return "error"
	case ControlSessionEnd:
		return "session_end"
	default:
		return "unknown"
	}
}

// ControlMessage is one inbound control signal.
type ControlMessage struct {
	Kind ControlKind

	// ErrKind classifies a ControlError message.
	ErrKind types.ErrorKind

	// Message is a human-readable description, set for ControlError and
	// optionally for ControlSessionEnd.
	Message string

	// Err is the underlying cause of a ControlError, if any.
	Err error
}

// Transport is a duplex channel to a remote voice agent.
//
// All methods are safe for concurrent use. Callbacks are invoked from the
// transport's receive goroutine in wire order; they must not block for long
// and must not call [Transport.Close].
type Transport interface {
	// Connect opens the connection, sends the session setup derived from cfg
	// and returns once the agent signalled Ready. It fails fast when the
	// backend is unreachable or rejects the credentials ([ErrUnauthorized]).
	// A transport can be connected once.
	Connect(ctx context.Context, cfg types.VoiceConfig) error

	// SendAudio enqueues frame for delivery. Frames are written in the order
	// SendAudio returned for them; a call never drops a frame silently. Returns
	// [ErrNotConnected] before Ready, [ErrClosed] after Close and
	// [ErrOutOfOrder] for a non-increasing sequence number.
	SendAudio(frame audio.AudioFrame) error

	// OnAudio registers the handler for inbound agent audio. Frames carry a
	// strictly increasing Sequence and the Turn they belong to.
	OnAudio(fn func(audio.AudioFrame))

	// OnControl registers the handler for inbound control messages.
	OnControl(fn func(ControlMessage))

	// OnTranscript registers the handler for transcriptions of either side.
	OnTranscript(fn func(types.Transcript))

	// Close shuts the connection down gracefully within a bounded time. It is
	// idempotent; after it returns no callback is invoked and SendAudio
	// returns [ErrClosed] without side effects.
	Close() error
}

// Capabilities describes static properties of a backend.
type Capabilities struct {
	// Name identifies the backend, e.g. "gemini-live".
	Name string

	// Voices lists the prebuilt voice names the backend accepts.
	Voices []string

	// InputFormat is the PCM format the backend expects for outbound audio.
	InputFormat audio.Format

	// OutputFormat is the PCM format of inbound agent audio.
	OutputFormat audio.Format

	// MaxSessionDuration is the hard session limit imposed by the backend.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration
}

// Provider creates transports for one backend.
type Provider interface {
	// NewTransport returns an unconnected transport for a single session.
	NewTransport() Transport

	// Capabilities returns static metadata about the backend.
	Capabilities() Capabilities
}
