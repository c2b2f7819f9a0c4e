package playback

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Output is the device a [Sink] renders PCM into.
//
// Write may block while the device is backed up. Reset must be callable while
// a Write is in flight and must make that Write return promptly.
type Output interface {
	Write(pcm []byte) error
	Reset() error
	Close() error
}

// ErrOutputClosed is returned by writes to a closed output.
var ErrOutputClosed = errors.New("playback: output closed")

// ─── Writer output ────────────────────────────────────────────────────────────

// WriterOutput adapts an [io.Writer] to [Output]. Reset is a no-op. Useful for
// recording agent audio to a file, or discarding it with [io.Discard].
type WriterOutput struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewWriterOutput wraps w. If w also implements [io.Closer] it is closed by
// [WriterOutput.Close].
func NewWriterOutput(w io.Writer) *WriterOutput {
	return &WriterOutput{w: w}
}

// Write implements [Output].
func (o *WriterOutput) Write(pcm []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutputClosed
	}
	_, err := o.w.Write(pcm)
	return err
}

// Reset implements [Output].
func (o *WriterOutput) Reset() error { return nil }

// Close implements [Output].
func (o *WriterOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if c, ok := o.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ─── ffplay output ────────────────────────────────────────────────────────────

// FFplayOutput pipes raw s16le PCM into an ffplay child process. Reset kills
// the process, which discards whatever ffplay has buffered, and starts a new
// one.
type FFplayOutput struct {
	format audio.Format

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewFFplayOutput starts ffplay for the given format. ffplay must be on PATH.
func NewFFplayOutput(format audio.Format) (*FFplayOutput, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("playback: ffplay is required (install ffmpeg and ensure ffplay is in PATH)")
	}
	if !format.Valid() {
		return nil, fmt.Errorf("playback: invalid output format %s", format)
	}
	o := &FFplayOutput{format: format}
	if err := o.startLocked(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *FFplayOutput) startLocked() error {
	o.cmd = exec.Command("ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(o.format.SampleRate),
		"-ac", strconv.Itoa(o.format.Channels),
		"-i", "pipe:0",
	)
	stdin, err := o.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("playback: open ffplay stdin: %w", err)
	}
	o.cmd.Stdout = io.Discard
	o.cmd.Stderr = io.Discard
	if err := o.cmd.Start(); err != nil {
		return fmt.Errorf("playback: start ffplay: %w", err)
	}
	o.stdin = stdin
	return nil
}

func (o *FFplayOutput) killLocked() {
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
		_ = o.cmd.Wait()
	}
	o.cmd = nil
	o.stdin = nil
}

// Write implements [Output]. The pipe write happens outside the lock so that
// Reset can kill a process whose pipe is full.
func (o *FFplayOutput) Write(pcm []byte) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutputClosed
	}
	stdin := o.stdin
	o.mu.Unlock()
	if stdin == nil {
		return errors.New("playback: ffplay stdin is not initialized")
	}
	_, err := stdin.Write(pcm)
	return err
}

// Reset implements [Output].
func (o *FFplayOutput) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.killLocked()
	return o.startLocked()
}

// Close implements [Output].
func (o *FFplayOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.killLocked()
	return nil
}
