package capture

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/MrWong99/livecall/pkg/audio"
)

// Device is a raw PCM input. Open returns a stream of 16-bit little-endian
// samples in [Device.Format]; closing it releases the hardware.
type Device interface {
	// Authorize checks that the device may be used. Implementations return
	// [audio.ErrPermissionDenied] (possibly wrapped) when the platform refuses.
	Authorize(ctx context.Context) error
	Open(ctx context.Context) (io.ReadCloser, error)
	Format() audio.Format
}

// ─── ffmpeg ───────────────────────────────────────────────────────────────────

// FFmpegDevice records from the system default microphone through an ffmpeg
// child process (avfoundation on macOS, PulseAudio on Linux).
type FFmpegDevice struct {
	// Input overrides the platform input spec, e.g. "hw:1" for ALSA.
	Input string
	// InputFormat overrides the ffmpeg demuxer ("pulse", "alsa", "avfoundation").
	InputFormat string

	format audio.Format
}

// NewFFmpegDevice returns a device producing PCM in format.
func NewFFmpegDevice(format audio.Format) *FFmpegDevice {
	return &FFmpegDevice{format: format}
}

// Format implements [Device].
func (d *FFmpegDevice) Format() audio.Format { return d.format }

// Authorize implements [Device]. ffmpeg has no permission API of its own; a
// refused OS prompt surfaces as an immediate EOF on Open.
func (d *FFmpegDevice) Authorize(_ context.Context) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return errors.New("capture: ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)")
	}
	_, err := d.args(runtime.GOOS)
	return err
}

// Open implements [Device].
func (d *FFmpegDevice) Open(ctx context.Context) (io.ReadCloser, error) {
	args, err := d.args(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture: open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("capture: start ffmpeg: %w", err)
	}
	return &processReader{cmd: cmd, stdout: stdout}, nil
}

func (d *FFmpegDevice) args(goos string) ([]string, error) {
	demuxer, input := d.InputFormat, d.Input
	switch goos {
	case "darwin":
		demuxer = cmp.Or(demuxer, "avfoundation")
		input = cmp.Or(input, ":0")
	case "linux":
		demuxer = cmp.Or(demuxer, "pulse")
		input = cmp.Or(input, "default")
	default:
		if demuxer == "" || input == "" {
			return nil, fmt.Errorf("capture: microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", demuxer, "-i", input,
		"-ac", strconv.Itoa(d.format.Channels),
		"-ar", strconv.Itoa(d.format.SampleRate),
		"-f", "s16le", "-",
	}, nil
}

type processReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	once   sync.Once
}

func (p *processReader) Read(b []byte) (int, error) { return p.stdout.Read(b) }

func (p *processReader) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
			_ = p.cmd.Wait()
		}
	})
	return nil
}

// ─── file ─────────────────────────────────────────────────────────────────────

// FileDevice replays a raw s16le PCM file and then produces silence, like a
// microphone nobody talks into. Pair it with [WithRealtime] so frames arrive
// at the recording's pace.
type FileDevice struct {
	Path   string
	format audio.Format
}

// NewFileDevice returns a device reading raw PCM in format from path.
func NewFileDevice(path string, format audio.Format) *FileDevice {
	return &FileDevice{Path: path, format: format}
}

// Format implements [Device].
func (d *FileDevice) Format() audio.Format { return d.format }

// Authorize implements [Device]. A file that cannot be read is treated as
// denied access.
func (d *FileDevice) Authorize(_ context.Context) error {
	f, err := os.Open(d.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("capture: %s: %w", d.Path, audio.ErrPermissionDenied)
		}
		return fmt.Errorf("capture: %w", err)
	}
	return f.Close()
}

// Open implements [Device].
func (d *FileDevice) Open(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	return &fileReader{Reader: io.MultiReader(f, silence{}), file: f}, nil
}

type fileReader struct {
	io.Reader
	file *os.File
}

func (r *fileReader) Close() error { return r.file.Close() }

type silence struct{}

func (silence) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}

// ─── reader ───────────────────────────────────────────────────────────────────

// ReaderDevice serves PCM from an in-memory reader. It is always authorized
// and can be opened once.
type ReaderDevice struct {
	r      io.Reader
	format audio.Format
}

// NewReaderDevice returns a device reading PCM in format from r.
func NewReaderDevice(r io.Reader, format audio.Format) *ReaderDevice {
	return &ReaderDevice{r: r, format: format}
}

// Format implements [Device].
func (d *ReaderDevice) Format() audio.Format { return d.format }

// Authorize implements [Device].
func (d *ReaderDevice) Authorize(_ context.Context) error { return nil }

// Open implements [Device].
func (d *ReaderDevice) Open(_ context.Context) (io.ReadCloser, error) {
	if rc, ok := d.r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(d.r), nil
}
