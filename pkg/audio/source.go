// Package audio defines the frame vocabulary and the two device-facing
// abstractions of a voice session:
//
//   - [CaptureSource] owns the microphone and its permission lifecycle and
//     emits fixed-cadence [AudioFrame] values.
//   - [PlaybackSink] renders inbound agent audio in order and supports both
//     immediate interruption (barge-in) and graceful drain (turn complete).
//
// Implementations live in the capture and playback sub-packages; mock
// provides recording test doubles. Both abstractions are owned by exactly one
// session and are never reused once stopped.
//
// This package lives under pkg/ because external code is expected to supply
// its own capture devices and outputs.
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned by [CaptureSource.RequestAccess] when the
	// user or platform refused access to the capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNotPermitted is returned by [CaptureSource.Start] when access was never
	// granted.
	ErrNotPermitted = errors.New("audio: capture not permitted")

	// ErrSourceStopped is returned by [CaptureSource.Start] after Stop.
	ErrSourceStopped = errors.New("audio: capture source stopped")

	// ErrAlreadyStarted is returned by a second [CaptureSource.Start] call.
	ErrAlreadyStarted = errors.New("audio: capture already started")
)

// CaptureError reports a capture hardware or device failure.
type CaptureError struct {
	// Op is the device operation that failed ("open", "read", ...).
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("audio: capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// FrameHandler receives captured frames. It is called sequentially from the
// source's capture goroutine and must not call [CaptureSource.Stop].
type FrameHandler func(AudioFrame)

// CaptureSource acquires a microphone and emits frames at a fixed interval.
//
// Implementations must be safe for concurrent use.
type CaptureSource interface {
	// RequestAccess asks for permission to use the capture device. It is
	// idempotent: the platform prompt is triggered at most once per source and
	// later calls return the cached outcome. Returns [ErrPermissionDenied] when
	// access was refused.
	RequestAccess(ctx context.Context) error

	// Start begins producing frames. Sequence numbers start at 0 and increase
	// strictly. onError, which may be nil, receives a [*CaptureError] if the
	// device fails mid-stream; no further frames follow it.
	//
	// Returns [ErrNotPermitted] if access has not been granted.
	Start(onFrame FrameHandler, onError func(error)) error

	// Format returns the format of the frames the source emits.
	Format() Format

	// Stop releases the device. It is idempotent and returns only once no
	// further frames can be delivered.
	Stop()
}
