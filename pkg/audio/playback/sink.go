// Package playback renders inbound agent audio through an [Output] device.
//
// [Sink] implements [audio.PlaybackSink]: frames are buffered in arrival order
// and played by a single render goroutine. Interrupt discards the buffer
// without waiting for the current frame; Finish lets the buffer play out and
// then fires the drained callback.
package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.PlaybackSink = (*Sink)(nil)

// Option configures a [Sink] during construction.
type Option func(*Sink)

// WithOutputFormat converts every frame to f before writing it to the output.
// Without it frames are written in whatever format they arrive in.
func WithOutputFormat(f audio.Format) Option {
	return func(s *Sink) {
		if f.Valid() {
			s.conv = audio.NewConverter(f)
		}
	}
}

// WithRealtime paces rendering at the frames' playback duration so that the
// drained callback fires close to when the audio actually stops. Enabled by
// default; disable it for file outputs and tests.
func WithRealtime(enabled bool) Option {
	return func(s *Sink) {
		s.realtime = enabled
	}
}

// Sink is a buffered [audio.PlaybackSink] writing to an [Output].
//
// All exported methods are safe for concurrent use.
type Sink struct {
	out      Output
	conv     *audio.Converter
	realtime bool

	mu           sync.Mutex
	queue        []audio.AudioFrame
	lastSeq      uint64
	haveSeq      bool
	turn         uint64        // turn of the newest accepted frame
	floor        uint64        // frames with Turn below floor are stale
	finishes     int           // Finish calls whose drained callback is pending
	gen          uint64        // bumped by Interrupt and Close
	playing      bool          // render goroutine is rendering a frame
	writing      bool          // an Output.Write is in flight
	dirty        bool          // output holds audio written since the last reset
	resetPending bool          // render goroutine must reset the output
	cancel       chan struct{} // closed by Interrupt to abort the current frame
	onDrained    func()
	closed       bool

	// Held while a drained callback runs so Interrupt can wait it out.
	cbMu sync.Mutex

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSink creates a Sink rendering into out and starts its render goroutine.
// Call [Sink.Close] to stop it.
func NewSink(out Output, opts ...Option) *Sink {
	s := &Sink{
		out:      out,
		realtime: true,
		cancel:   make(chan struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.render()
	return s
}

// Enqueue implements [audio.PlaybackSink].
func (s *Sink) Enqueue(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return audio.ErrSinkClosed
	}
	if frame.Turn < s.floor {
		return audio.ErrStaleTurn
	}
	if s.haveSeq && frame.Sequence <= s.lastSeq {
		return audio.ErrOutOfOrder
	}

	s.lastSeq = frame.Sequence
	s.haveSeq = true
	s.turn = max(s.turn, frame.Turn)
	s.queue = append(s.queue, frame)
	s.wakeLocked()
	return nil
}

// Interrupt implements [audio.PlaybackSink]. The buffer is dropped by
// reference, so the cost does not depend on how much audio was queued. When a
// drained callback is running concurrently, Interrupt returns after it; no
// callback for the interrupted turn starts afterwards.
func (s *Sink) Interrupt() {
	if !s.flush() {
		return
	}
	// Wait for a drained callback in flight.
	s.cbMu.Lock()
	s.cbMu.Unlock() //nolint:staticcheck // empty critical section
}

// flush drops the buffer and advances the generation. It reports false once
// the sink is closed.
func (s *Sink) flush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.queue = nil
	s.finishes = 0
	s.gen++
	s.floor = max(s.floor, s.turn+1)

	close(s.cancel)
	s.cancel = make(chan struct{})

	switch {
	case s.writing:
		// The render goroutine is stuck in Write; only a concurrent Reset
		// unblocks it.
		s.dirty = false
		go s.resetOutput()
	case s.dirty:
		s.resetPending = true
	}
	s.wakeLocked()
	return true
}

// Finish implements [audio.PlaybackSink].
func (s *Sink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.finishes++
	s.wakeLocked()
}

// OnDrained implements [audio.PlaybackSink].
func (s *Sink) OnDrained(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = fn
}

// Buffered returns the number of frames waiting to be rendered.
func (s *Sink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close implements [audio.PlaybackSink]. The output is closed before waiting
// for the render goroutine so that a blocked Write is released.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	s.finishes = 0
	s.gen++
	close(s.cancel)
	close(s.done)
	s.mu.Unlock()

	err := s.out.Close()
	s.wg.Wait()
	return err
}

func (s *Sink) wakeLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Sink) resetOutput() {
	if err := s.out.Reset(); err != nil {
		slog.Warn("playback: output reset failed", "err", err)
	}
}

// step is what the render goroutine should do next.
type step struct {
	frame   audio.AudioFrame
	cancel  chan struct{}
	ok      bool   // frame is valid
	reset   bool   // reset the output first
	drained func() // fire after reset, non-nil only when the buffer ran dry
	drains  int    // how many Finish calls drained fires for
	gen     uint64 // generation the drain belongs to
}

func (s *Sink) next() step {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := step{reset: s.resetPending}
	s.resetPending = false
	if st.reset {
		s.dirty = false
	}

	if s.closed {
		return st
	}
	if len(s.queue) > 0 {
		st.frame = s.queue[0]
		s.queue[0] = audio.AudioFrame{}
		s.queue = s.queue[1:]
		st.cancel = s.cancel
		st.ok = true
		s.playing = true
		return st
	}

	s.playing = false
	if s.finishes > 0 && s.onDrained != nil {
		st.drained = s.onDrained
		st.drains = s.finishes
		st.gen = s.gen
	}
	s.finishes = 0
	return st
}

// fireDrained runs the drained callback once per pending Finish unless an
// Interrupt moved the generation on since st was taken.
func (s *Sink) fireDrained(st step) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	current := s.gen == st.gen
	s.mu.Unlock()
	if !current {
		return
	}
	for range st.drains {
		st.drained()
	}
}

// render is the background goroutine. It runs until Close.
func (s *Sink) render() {
	defer s.wg.Done()

	var warnOnce sync.Once
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			st := s.next()
			if st.reset {
				s.resetOutput()
			}
			if st.drained != nil {
				s.fireDrained(st)
			}
			if !st.ok {
				break
			}
			if err := s.play(st.frame, st.cancel); err != nil {
				warnOnce.Do(func() {
					slog.Warn("playback: output write failed", "err", err, "seq", st.frame.Sequence)
				})
			}
		}
	}
}

// play writes one frame and, in realtime mode, waits out its duration unless
// interrupted.
func (s *Sink) play(frame audio.AudioFrame, cancel chan struct{}) error {
	if s.conv != nil {
		frame = s.conv.Convert(frame)
	}
	if len(frame.Data) == 0 {
		return nil
	}

	select {
	case <-cancel:
		return nil
	default:
	}

	start := time.Now()
	s.mu.Lock()
	s.writing = true
	s.dirty = true
	s.mu.Unlock()

	err := s.out.Write(frame.Data)

	s.mu.Lock()
	s.writing = false
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if !s.realtime {
		return nil
	}
	remaining := frame.Duration() - time.Since(start)
	if remaining <= 0 {
		return nil
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cancel:
	case <-s.done:
	}
	return nil
}
