package playback_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/playback"
)

// gatedOutput blocks every Write until released or reset.
type gatedOutput struct {
	mu       sync.Mutex
	gate     chan struct{}
	open     bool
	writes   [][]byte
	resets   int
	closed   bool
	inWrite  chan struct{}
	notified bool
}

func newGatedOutput() *gatedOutput {
	return &gatedOutput{gate: make(chan struct{}), inWrite: make(chan struct{})}
}

func (o *gatedOutput) Write(pcm []byte) error {
	o.mu.Lock()
	gate := o.gate
	if !o.notified {
		o.notified = true
		close(o.inWrite)
	}
	o.mu.Unlock()

	<-gate

	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = append(o.writes, bytes.Clone(pcm))
	return nil
}

func (o *gatedOutput) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
	if !o.open {
		close(o.gate)
		o.gate = make(chan struct{})
	}
	return nil
}

func (o *gatedOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.releaseLocked()
	return nil
}

func (o *gatedOutput) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.releaseLocked()
}

func (o *gatedOutput) releaseLocked() {
	if !o.open {
		o.open = true
		close(o.gate)
	}
}

func (o *gatedOutput) snapshot() (writes int, resets int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.writes), o.resets
}

func frame(seq, turn uint64, payload ...byte) audio.AudioFrame {
	if len(payload) == 0 {
		payload = []byte{byte(seq), 0}
	}
	return audio.AudioFrame{Sequence: seq, Turn: turn, Data: payload, SampleRate: 24000, Channels: 1}
}

func waitDrained(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drained callback")
	}
}

func TestSink_RendersInSequenceOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := playback.NewSink(playback.NewWriterOutput(&buf), playback.WithRealtime(false))
	defer sink.Close()

	drained := make(chan struct{}, 1)
	sink.OnDrained(func() { drained <- struct{}{} })

	for seq := range uint64(3) {
		if err := sink.Enqueue(frame(seq, 0, byte(seq+1), byte(seq+1))); err != nil {
			t.Fatalf("Enqueue(%d): %v", seq, err)
		}
	}
	sink.Finish()
	waitDrained(t, drained)

	if got, want := buf.Bytes(), []byte{1, 1, 2, 2, 3, 3}; !bytes.Equal(got, want) {
		t.Errorf("rendered %v, want %v", got, want)
	}
}

func TestSink_RejectsOutOfOrderFrames(t *testing.T) {
	t.Parallel()

	sink := playback.NewSink(playback.NewWriterOutput(&bytes.Buffer{}), playback.WithRealtime(false))
	defer sink.Close()

	if err := sink.Enqueue(frame(5, 0)); err != nil {
		t.Fatalf("Enqueue(5): %v", err)
	}
	for _, seq := range []uint64{3, 5} {
		if err := sink.Enqueue(frame(seq, 0)); !errors.Is(err, audio.ErrOutOfOrder) {
			t.Errorf("Enqueue(%d) = %v, want ErrOutOfOrder", seq, err)
		}
	}
	if err := sink.Enqueue(frame(6, 0)); err != nil {
		t.Errorf("Enqueue(6) after rejection: %v", err)
	}
}

func TestSink_InterruptIsImmediate(t *testing.T) {
	t.Parallel()

	out := newGatedOutput()
	sink := playback.NewSink(out, playback.WithRealtime(false))
	defer sink.Close()

	drainedCalls := 0
	var mu sync.Mutex
	sink.OnDrained(func() {
		mu.Lock()
		drainedCalls++
		mu.Unlock()
	})

	// Roughly 20 seconds of 20 ms frames.
	for seq := range uint64(1000) {
		if err := sink.Enqueue(frame(seq, 0)); err != nil {
			t.Fatalf("Enqueue(%d): %v", seq, err)
		}
	}
	sink.Finish()

	select {
	case <-out.inWrite:
	case <-time.After(2 * time.Second):
		t.Fatal("render goroutine never started writing")
	}

	start := time.Now()
	sink.Interrupt()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Interrupt took %v", elapsed)
	}
	if n := sink.Buffered(); n != 0 {
		t.Errorf("Buffered() = %d after Interrupt, want 0", n)
	}

	// The in-flight write is released by the reset.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, resets := out.snapshot()
		if resets > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("output was never reset")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := sink.Enqueue(frame(1000, 0)); !errors.Is(err, audio.ErrStaleTurn) {
		t.Errorf("Enqueue(stale turn) = %v, want ErrStaleTurn", err)
	}

	out.release()
	if err := sink.Enqueue(frame(1001, 1)); err != nil {
		t.Errorf("Enqueue(next turn): %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	writes, _ := out.snapshot()
	if writes > 2 {
		t.Errorf("rendered %d frames, want at most the in-flight one and the next turn", writes)
	}
	mu.Lock()
	defer mu.Unlock()
	if drainedCalls != 0 {
		t.Errorf("drained fired %d times after Interrupt, want 0", drainedCalls)
	}
}

func TestSink_FinishOnEmptyBufferDrainsOnce(t *testing.T) {
	t.Parallel()

	sink := playback.NewSink(playback.NewWriterOutput(&bytes.Buffer{}), playback.WithRealtime(false))
	defer sink.Close()

	drained := make(chan struct{}, 4)
	sink.OnDrained(func() { drained <- struct{}{} })

	sink.Finish()
	waitDrained(t, drained)

	select {
	case <-drained:
		t.Error("drained fired twice for a single Finish")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSink_RealtimePacing(t *testing.T) {
	t.Parallel()

	sink := playback.NewSink(playback.NewWriterOutput(&bytes.Buffer{}))
	defer sink.Close()

	drained := make(chan struct{}, 1)
	sink.OnDrained(func() { drained <- struct{}{} })

	format := audio.Format{SampleRate: 16000, Channels: 1}
	pcm := make([]byte, format.FrameBytes(10*time.Millisecond))
	start := time.Now()
	for seq := range uint64(3) {
		f := audio.AudioFrame{Sequence: seq, Data: pcm, SampleRate: 16000, Channels: 1}
		if err := sink.Enqueue(f); err != nil {
			t.Fatalf("Enqueue(%d): %v", seq, err)
		}
	}
	sink.Finish()
	waitDrained(t, drained)

	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("drained after %v, want at least the 30ms of queued audio", elapsed)
	}
}

func TestSink_ConvertsToOutputFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sink := playback.NewSink(playback.NewWriterOutput(&buf),
		playback.WithRealtime(false),
		playback.WithOutputFormat(audio.Format{SampleRate: 24000, Channels: 2}),
	)
	defer sink.Close()

	drained := make(chan struct{}, 1)
	sink.OnDrained(func() { drained <- struct{}{} })

	if err := sink.Enqueue(frame(0, 0, 0x10, 0x00, 0x20, 0x00)); err != nil {
		t.Fatal(err)
	}
	sink.Finish()
	waitDrained(t, drained)

	want := []byte{0x10, 0x00, 0x10, 0x00, 0x20, 0x00, 0x20, 0x00}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("rendered %v, want %v", buf.Bytes(), want)
	}
}

func TestSink_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	out := newGatedOutput()
	sink := playback.NewSink(out, playback.WithRealtime(false))
	if err := sink.Enqueue(frame(0, 0)); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		_ = sink.Close()
		_ = sink.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on in-flight write")
	}

	if err := sink.Enqueue(frame(1, 0)); !errors.Is(err, audio.ErrSinkClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrSinkClosed", err)
	}
	sink.Interrupt()
	sink.Finish()
}

func TestSink_DrainedOncePerFinish(t *testing.T) {
	t.Parallel()

	out := newGatedOutput()
	sink := playback.NewSink(out, playback.WithRealtime(false))
	defer sink.Close()

	drained := make(chan struct{}, 4)
	sink.OnDrained(func() { drained <- struct{}{} })

	if err := sink.Enqueue(frame(0, 0)); err != nil {
		t.Fatal(err)
	}
	<-out.inWrite
	sink.Finish()
	sink.Finish()
	out.release()

	waitDrained(t, drained)
	waitDrained(t, drained)
	select {
	case <-drained:
		t.Error("drained fired three times for two Finish calls")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSink_InterruptWaitsForRunningDrainedCallback(t *testing.T) {
	t.Parallel()

	sink := playback.NewSink(playback.NewWriterOutput(&bytes.Buffer{}), playback.WithRealtime(false))
	defer sink.Close()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls sync.WaitGroup
	calls.Add(1)
	sink.OnDrained(func() {
		close(entered)
		<-release
		calls.Done()
	})

	sink.Finish()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("drained callback not started")
	}

	interrupted := make(chan struct{})
	go func() {
		sink.Interrupt()
		close(interrupted)
	}()
	select {
	case <-interrupted:
		t.Fatal("Interrupt returned while the drained callback was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("Interrupt did not return after the callback finished")
	}
	calls.Wait()
}
