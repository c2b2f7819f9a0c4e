// Package mock provides in-memory mock implementations of the
// [audio.CaptureSource] and [audio.PlaybackSink] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.CaptureSource{}
//	sink := &mock.PlaybackSink{AutoDrain: true}
//	ctrl := session.New(src, sink, transport)
//	...
//	src.Emit(audio.AudioFrame{Sequence: 0, Data: pcm})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livecall/pkg/audio"
)

// ─── CaptureSource ────────────────────────────────────────────────────────────

// CaptureSource is a mock implementation of [audio.CaptureSource].
// Set the exported Result fields before use; inspect the Call* fields after.
type CaptureSource struct {
	mu sync.Mutex

	// RequestAccessErr is returned by every RequestAccess call.
	RequestAccessErr error

	// StartErr is returned by Start.
	StartErr error

	// FormatResult is returned by Format. Defaults to 16 kHz mono.
	FormatResult audio.Format

	// CallCountRequestAccess records how many times RequestAccess was called.
	CallCountRequestAccess int

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	onFrame audio.FrameHandler
	onError func(error)
	started bool
	stopped bool
}

// RequestAccess implements [audio.CaptureSource].
func (s *CaptureSource) RequestAccess(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRequestAccess++
	return s.RequestAccessErr
}

// Start implements [audio.CaptureSource]. The handlers are retained for
// [CaptureSource.Emit] and [CaptureSource.Fail].
func (s *CaptureSource) Start(onFrame audio.FrameHandler, onError func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onFrame = onFrame
	s.onError = onError
	s.started = true
	return nil
}

// Format implements [audio.CaptureSource].
func (s *CaptureSource) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.FormatResult.Valid() {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return s.FormatResult
}

// Stop implements [audio.CaptureSource].
func (s *CaptureSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.stopped = true
}

// Emit delivers frame to the registered frame handler. It reports false, and
// delivers nothing, when the source is not running.
func (s *CaptureSource) Emit(frame audio.AudioFrame) bool {
	s.mu.Lock()
	fn := s.onFrame
	running := s.started && !s.stopped
	s.mu.Unlock()
	if !running || fn == nil {
		return false
	}
	fn(frame)
	return true
}

// Fail delivers err to the registered error handler.
func (s *CaptureSource) Fail(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *CaptureSource) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// ─── PlaybackSink ─────────────────────────────────────────────────────────────

// PlaybackSink is a mock implementation of [audio.PlaybackSink].
type PlaybackSink struct {
	mu sync.Mutex

	// EnqueueErr, when non-nil, is returned by Enqueue and the frame is not
	// recorded.
	EnqueueErr error

	// AutoDrain fires the drained callback on a new goroutine whenever Finish
	// is called.
	AutoDrain bool

	// Enqueued records every accepted frame in call order.
	Enqueued []audio.AudioFrame

	// CallCountInterrupt records how many times Interrupt was called.
	CallCountInterrupt int

	// CallCountFinish records how many times Finish was called.
	CallCountFinish int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onDrained func()
}

// Enqueue implements [audio.PlaybackSink].
func (s *PlaybackSink) Enqueue(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnqueueErr != nil {
		return s.EnqueueErr
	}
	s.Enqueued = append(s.Enqueued, frame)
	return nil
}

// Interrupt implements [audio.PlaybackSink].
func (s *PlaybackSink) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountInterrupt++
}

// Finish implements [audio.PlaybackSink].
func (s *PlaybackSink) Finish() {
	s.mu.Lock()
	s.CallCountFinish++
	auto := s.AutoDrain
	s.mu.Unlock()
	if auto {
		go s.Drain()
	}
}

// OnDrained implements [audio.PlaybackSink].
func (s *PlaybackSink) OnDrained(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = fn
}

// Close implements [audio.PlaybackSink].
func (s *PlaybackSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Drain invokes the registered drained callback, simulating the buffer
// running dry after Finish.
func (s *PlaybackSink) Drain() {
	s.mu.Lock()
	fn := s.onDrained
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Frames returns a copy of the enqueued frames.
func (s *PlaybackSink) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.Enqueued...)
}

// Counts returns the Interrupt, Finish and Close call counts.
func (s *PlaybackSink) Counts() (interrupts, finishes, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountInterrupt, s.CallCountFinish, s.CallCountClose
}

// Compile-time interface assertions.
var (
	_ audio.CaptureSource = (*CaptureSource)(nil)
	_ audio.PlaybackSink  = (*PlaybackSink)(nil)
)
