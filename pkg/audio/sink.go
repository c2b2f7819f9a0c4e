package audio

import "errors"

var (
	// ErrOutOfOrder is returned by [PlaybackSink.Enqueue] for a frame whose
	// sequence number is not greater than the last accepted one.
	ErrOutOfOrder = errors.New("audio: frame out of order")

	// ErrStaleTurn is returned by [PlaybackSink.Enqueue] for a frame that
	// belongs to a turn that was interrupted.
	ErrStaleTurn = errors.New("audio: frame belongs to an interrupted turn")

	// ErrSinkClosed is returned by [PlaybackSink.Enqueue] after Close.
	ErrSinkClosed = errors.New("audio: playback sink closed")
)

// PlaybackSink buffers inbound agent audio and renders it in sequence order.
//
// Implementations must be safe for concurrent use.
type PlaybackSink interface {
	// Enqueue appends frame to the render buffer. Rejected frames return
	// [ErrOutOfOrder] or [ErrStaleTurn]; rejection is not fatal.
	Enqueue(frame AudioFrame) error

	// Interrupt stops rendering and discards every buffered frame without
	// waiting for the current frame to finish. It completes in constant time
	// regardless of how much audio is buffered and advances the current turn,
	// so frames of the interrupted turn are rejected afterwards. Pending
	// drained notifications are cancelled: once Interrupt returns, no drained
	// callback for an earlier Finish runs.
	Interrupt()

	// Finish marks the current turn as complete. Buffered frames keep
	// rendering; once the last one has fully rendered the drained callback
	// fires exactly once for this call.
	Finish()

	// OnDrained registers the callback fired after Finish has drained the
	// buffer, once per Finish call. It is invoked on the sink's render
	// goroutine, must not block and must not call Interrupt. Subsequent calls
	// replace the previous registration.
	OnDrained(fn func())

	// Close stops the render goroutine and releases the output device. It is
	// idempotent.
	Close() error
}
