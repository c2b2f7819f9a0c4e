package audio

import (
	"fmt"
	"time"
)

// bytesPerSample is the width of one 16-bit little-endian PCM sample.
const bytesPerSample = 2

// AudioFrame represents a single frame of audio flowing through a session.
// Frames are the atomic unit of audio transport, produced by a
// [CaptureSource], pushed outward by the agent transport, demultiplexed from
// inbound traffic and rendered by a [PlaybackSink].
type AudioFrame struct {
	// Sequence increases strictly within one direction (outbound or inbound)
	// and is unique within a session. Gaps and reordering are detected with it.
	Sequence uint64

	// Turn is the agent turn an inbound frame belongs to. It is assigned by the
	// transport demultiplexer and is zero for captured frames.
	Turn uint64

	// Timestamp is the capture or receive time on the monotonic clock,
	// relative to the start of the stream.
	Timestamp time.Duration

	// Data is the opaque audio payload (16-bit little-endian PCM for the
	// dialects shipped with livecall).
	Data []byte

	// SampleRate in Hz (e.g. 16000 for agent input, 24000 for agent output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int
}

// Millis returns the frame timestamp in whole milliseconds.
func (f AudioFrame) Millis() uint64 {
	if f.Timestamp < 0 {
		return 0
	}
	return uint64(f.Timestamp / time.Millisecond)
}

// Format returns the sample rate and channel count of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback length of the frame's PCM payload.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Data))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether both fields are positive.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// FrameBytes returns the number of PCM bytes covering d at this format.
func (f Format) FrameBytes(d time.Duration) int {
	if !f.Valid() || d <= 0 {
		return 0
	}
	samples := int64(f.SampleRate) * int64(d) / int64(time.Second)
	return int(samples) * f.Channels * bytesPerSample
}

// Duration returns the playback length of n PCM bytes at this format.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() || n <= 0 {
		return 0
	}
	perSecond := int64(f.SampleRate) * int64(f.Channels) * bytesPerSample
	return time.Duration(int64(n) * int64(time.Second) / perSecond)
}

// String returns a human-readable format, e.g. "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
