package capture_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/capture"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// deniedDevice refuses authorization and counts the attempts.
type deniedDevice struct {
	mu    sync.Mutex
	calls int
}

func (d *deniedDevice) Authorize(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return audio.ErrPermissionDenied
}

func (d *deniedDevice) Open(context.Context) (io.ReadCloser, error) {
	return nil, errors.New("must not be opened")
}

func (d *deniedDevice) Format() audio.Format { return mono16k }

// failingReader returns n bytes of silence, then err.
type failingReader struct {
	n   int
	err error
}

func (r *failingReader) Read(b []byte) (int, error) {
	if r.n <= 0 {
		return 0, r.err
	}
	k := min(len(b), r.n)
	clear(b[:k])
	r.n -= k
	return k, nil
}

type collector struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
	errs   []error
	got    chan struct{}
}

func newCollector() *collector { return &collector{got: make(chan struct{}, 1024)} }

func (c *collector) onFrame(f audio.AudioFrame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	select {
	case c.got <- struct{}{}:
	default:
	}
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) waitFrames(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-c.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func (c *collector) snapshot() ([]audio.AudioFrame, []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.AudioFrame(nil), c.frames...), append([]error(nil), c.errs...)
}

func TestSource_SlicesFramesInSequence(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	src := capture.New(capture.NewReaderDevice(pr, mono16k))
	if err := src.RequestAccess(context.Background()); err != nil {
		t.Fatalf("RequestAccess: %v", err)
	}

	c := newCollector()
	if err := src.Start(c.onFrame, c.onError); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Three 20 ms frames of 640 bytes each.
	payload := make([]byte, 3*640)
	for i := range payload {
		payload[i] = byte(i / 640)
	}
	go func() { _, _ = pw.Write(payload) }()
	c.waitFrames(t, 3)

	src.Stop()
	frames, errs := c.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors after Stop: %v", errs)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, f := range frames {
		if f.Sequence != uint64(i) {
			t.Errorf("frame %d: sequence %d", i, f.Sequence)
		}
		if len(f.Data) != 640 || f.Data[0] != byte(i) {
			t.Errorf("frame %d: %d bytes starting with %d", i, len(f.Data), f.Data[0])
		}
		if f.Format() != mono16k {
			t.Errorf("frame %d: format %s", i, f.Format())
		}
		if i > 0 && f.Timestamp < frames[i-1].Timestamp {
			t.Errorf("frame %d: timestamp went backwards", i)
		}
	}
}

func TestSource_NoFramesAfterStop(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	src := capture.New(capture.NewReaderDevice(pr, mono16k))
	_ = src.RequestAccess(context.Background())

	c := newCollector()
	if err := src.Start(c.onFrame, c.onError); err != nil {
		t.Fatal(err)
	}
	go func() {
		chunk := make([]byte, 640)
		for {
			if _, err := pw.Write(chunk); err != nil {
				return
			}
		}
	}()
	c.waitFrames(t, 5)

	src.Stop()
	before, _ := c.snapshot()
	time.Sleep(50 * time.Millisecond)
	after, errs := c.snapshot()
	if len(after) != len(before) {
		t.Errorf("%d frames delivered after Stop returned", len(after)-len(before))
	}
	if len(errs) != 0 {
		t.Errorf("Stop reported errors: %v", errs)
	}

	src.Stop() // idempotent
}

func TestSource_PermissionDenied(t *testing.T) {
	t.Parallel()

	dev := &deniedDevice{}
	src := capture.New(dev)

	for range 3 {
		if err := src.RequestAccess(context.Background()); !errors.Is(err, audio.ErrPermissionDenied) {
			t.Fatalf("RequestAccess = %v, want ErrPermissionDenied", err)
		}
	}
	if dev.calls != 1 {
		t.Errorf("device authorized %d times, want 1", dev.calls)
	}
	if err := src.Start(func(audio.AudioFrame) {}, nil); !errors.Is(err, audio.ErrNotPermitted) {
		t.Errorf("Start = %v, want ErrNotPermitted", err)
	}
}

func TestSource_StartWithoutRequest(t *testing.T) {
	t.Parallel()

	src := capture.New(capture.NewReaderDevice(bytes.NewReader(nil), mono16k))
	if err := src.Start(func(audio.AudioFrame) {}, nil); !errors.Is(err, audio.ErrNotPermitted) {
		t.Errorf("Start = %v, want ErrNotPermitted", err)
	}
}

func TestSource_PromptAskedOnce(t *testing.T) {
	t.Parallel()

	asked := 0
	src := capture.New(capture.NewReaderDevice(bytes.NewReader(nil), mono16k),
		capture.WithPrompt(func(context.Context) (bool, error) {
			asked++
			return false, nil
		}),
	)
	for range 2 {
		if err := src.RequestAccess(context.Background()); !errors.Is(err, audio.ErrPermissionDenied) {
			t.Fatalf("RequestAccess = %v, want ErrPermissionDenied", err)
		}
	}
	if asked != 1 {
		t.Errorf("prompt shown %d times, want 1", asked)
	}
}

func TestSource_StartLifecycle(t *testing.T) {
	t.Parallel()

	pr, _ := io.Pipe()
	src := capture.New(capture.NewReaderDevice(pr, mono16k))
	_ = src.RequestAccess(context.Background())

	if err := src.Start(func(audio.AudioFrame) {}, nil); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(func(audio.AudioFrame) {}, nil); !errors.Is(err, audio.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	src.Stop()
	if err := src.Start(func(audio.AudioFrame) {}, nil); !errors.Is(err, audio.ErrSourceStopped) {
		t.Errorf("Start after Stop = %v, want ErrSourceStopped", err)
	}
}

func TestSource_DeviceFailureReported(t *testing.T) {
	t.Parallel()

	boom := errors.New("usb unplugged")
	src := capture.New(capture.NewReaderDevice(&failingReader{n: 640, err: boom}, mono16k))
	_ = src.RequestAccess(context.Background())

	c := newCollector()
	errCh := make(chan error, 1)
	if err := src.Start(c.onFrame, func(err error) { errCh <- err }); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	select {
	case err := <-errCh:
		var capErr *audio.CaptureError
		if !errors.As(err, &capErr) || capErr.Op != "read" {
			t.Fatalf("error = %v, want read CaptureError", err)
		}
		if !errors.Is(err, boom) {
			t.Errorf("error %v does not wrap the device failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device failure never reported")
	}

	frames, _ := c.snapshot()
	if len(frames) != 1 {
		t.Errorf("got %d frames before failure, want 1", len(frames))
	}
}

func TestSource_ConvertsToTargetFormat(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	device := audio.Format{SampleRate: 48000, Channels: 2}
	src := capture.New(capture.NewReaderDevice(pr, device), capture.WithTargetFormat(mono16k))
	_ = src.RequestAccess(context.Background())
	if got := src.Format(); got != mono16k {
		t.Errorf("Format() = %s, want %s", got, mono16k)
	}

	c := newCollector()
	if err := src.Start(c.onFrame, c.onError); err != nil {
		t.Fatal(err)
	}
	go func() { _, _ = pw.Write(make([]byte, device.FrameBytes(20*time.Millisecond))) }()
	c.waitFrames(t, 1)
	src.Stop()

	frames, _ := c.snapshot()
	if f := frames[0]; f.Format() != mono16k || len(f.Data) != 640 {
		t.Errorf("frame is %s with %d bytes, want %s with 640", f.Format(), len(f.Data), mono16k)
	}
}

func TestFileDevice_ReplaysThenSilence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hello.pcm")
	if err := os.WriteFile(path, bytes.Repeat([]byte{7}, 640), 0o600); err != nil {
		t.Fatal(err)
	}

	src := capture.New(capture.NewFileDevice(path, mono16k), capture.WithRealtime(true))
	if err := src.RequestAccess(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := newCollector()
	if err := src.Start(c.onFrame, c.onError); err != nil {
		t.Fatal(err)
	}
	c.waitFrames(t, 2)
	src.Stop()

	frames, errs := c.snapshot()
	if len(errs) != 0 {
		t.Errorf("unexpected errors: %v", errs)
	}
	if frames[0].Data[0] != 7 || frames[1].Data[0] != 0 {
		t.Errorf("first bytes = %d, %d; want recording then silence", frames[0].Data[0], frames[1].Data[0])
	}
}
