// Package capture implements [audio.CaptureSource] on top of a raw PCM
// [Device].
//
// A [Source] asks for access once, opens the device on Start and slices its
// stream into fixed-duration frames, optionally converting them to the
// format the agent expects.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.CaptureSource = (*Source)(nil)

// DefaultFrameDuration is the capture cadence used when no explicit duration
// is configured via [WithFrameDuration].
const DefaultFrameDuration = 20 * time.Millisecond

// PromptFunc asks the user whether the microphone may be used. It returns
// false when the user declines.
type PromptFunc func(ctx context.Context) (bool, error)

// Option configures a [Source] during construction.
type Option func(*Source)

// WithFrameDuration sets the length of audio carried by each frame.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithTargetFormat converts captured frames to f before delivering them.
func WithTargetFormat(f audio.Format) Option {
	return func(s *Source) {
		if f.Valid() {
			s.conv = audio.NewConverter(f)
		}
	}
}

// WithRealtime paces frame delivery at the frame duration. Use it for devices
// that are not clocked by hardware, such as [FileDevice].
func WithRealtime(enabled bool) Option {
	return func(s *Source) {
		s.realtime = enabled
	}
}

// WithPrompt installs a user-facing permission prompt that runs after the
// device itself authorized access.
func WithPrompt(fn PromptFunc) Option {
	return func(s *Source) {
		s.prompt = fn
	}
}

// Source is a frame-slicing [audio.CaptureSource].
//
// All exported methods are safe for concurrent use.
type Source struct {
	dev      Device
	frameDur time.Duration
	conv     *audio.Converter
	realtime bool
	prompt   PromptFunc

	accessMu  sync.Mutex
	decided   bool
	accessErr error

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	rc      io.ReadCloser
	wg      sync.WaitGroup
}

// New creates a Source reading from dev.
func New(dev Device, opts ...Option) *Source {
	s := &Source{
		dev:      dev,
		frameDur: DefaultFrameDuration,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RequestAccess implements [audio.CaptureSource]. Only a decision is cached;
// a call aborted by ctx can be retried.
func (s *Source) RequestAccess(ctx context.Context) error {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()

	if s.decided {
		return s.accessErr
	}

	err := s.requestAccess(ctx)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.decided = true
	s.accessErr = err
	return err
}

func (s *Source) requestAccess(ctx context.Context) error {
	if err := s.dev.Authorize(ctx); err != nil {
		return err
	}
	if s.prompt == nil {
		return nil
	}
	ok, err := s.prompt(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return audio.ErrPermissionDenied
	}
	return nil
}

func (s *Source) granted() bool {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	return s.decided && s.accessErr == nil
}

// Format implements [audio.CaptureSource].
func (s *Source) Format() audio.Format {
	if s.conv != nil {
		return s.conv.Target
	}
	return s.dev.Format()
}

// Start implements [audio.CaptureSource].
func (s *Source) Start(onFrame audio.FrameHandler, onError func(error)) error {
	if !s.granted() {
		return audio.ErrNotPermitted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return audio.ErrSourceStopped
	case s.started:
		return audio.ErrAlreadyStarted
	}

	format := s.dev.Format()
	size := format.FrameBytes(s.frameDur)
	if size == 0 {
		return &audio.CaptureError{Op: "open", Err: errors.New("invalid device format " + format.String())}
	}

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := s.dev.Open(ctx)
	if err != nil {
		cancel()
		return &audio.CaptureError{Op: "open", Err: err}
	}

	s.started = true
	s.cancel = cancel
	s.rc = rc
	s.wg.Add(1)
	go s.run(ctx, rc, format, size, onFrame, onError)
	return nil
}

// Stop implements [audio.CaptureSource].
func (s *Source) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	cancel, rc := s.cancel, s.rc
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if rc != nil {
		_ = rc.Close()
	}
	s.wg.Wait()
}

// run is the capture goroutine. It emits frames until the context is
// cancelled or the device fails.
func (s *Source) run(ctx context.Context, rc io.Reader, format audio.Format, size int, onFrame audio.FrameHandler, onError func(error)) {
	defer s.wg.Done()

	start := time.Now()
	buf := make([]byte, size)
	for seq := uint64(0); ; seq++ {
		if _, err := io.ReadFull(rc, buf); err != nil {
			if ctx.Err() == nil && onError != nil {
				onError(&audio.CaptureError{Op: "read", Err: err})
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if s.realtime {
			due := start.Add(time.Duration(seq) * s.frameDur)
			if wait := time.Until(due); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
		}

		frame := audio.AudioFrame{
			Sequence:   seq,
			Timestamp:  time.Since(start),
			Data:       append([]byte(nil), buf...),
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
		}
		if s.conv != nil {
			frame = s.conv.Convert(frame)
		}
		onFrame(frame)
	}
}
