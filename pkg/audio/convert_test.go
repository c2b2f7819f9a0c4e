package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/MrWong99/livecall/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestUpmix16_MonoToStereo(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.Upmix16(samplesToBytes([]int16{100, 200, 300}), 1, 2))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestDownmix16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		in    []int16
		src   int
		dst   int
		want  []int16
	}{
		{"stereo to mono averages", []int16{100, 200, -100, -200}, 2, 1, []int16{150, -150}},
		{"clamps at int16 range", []int16{32767, 32767}, 2, 1, []int16{32767}},
		{"quad to stereo keeps first channels", []int16{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2, []int16{1, 2, 5, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.Downmix16(samplesToBytes(tt.in), tt.src, tt.dst))
			equalSamples(t, got, tt.want)
		})
	}
}

func TestResample16(t *testing.T) {
	t.Parallel()

	t.Run("same rate is identity", func(t *testing.T) {
		in := samplesToBytes([]int16{1, 2, 3})
		out := audio.Resample16(in, 1, 16000, 16000)
		if &out[0] != &in[0] {
			t.Error("expected input slice to be returned unchanged")
		}
	})

	t.Run("upsample doubles length", func(t *testing.T) {
		in := samplesToBytes([]int16{0, 100, 200, 300})
		got := bytesToSamples(audio.Resample16(in, 1, 8000, 16000))
		if len(got) != 8 {
			t.Fatalf("len = %d, want 8", len(got))
		}
		if got[0] != 0 || got[1] != 50 || got[2] != 100 {
			t.Errorf("interpolation wrong: %v", got[:3])
		}
	})

	t.Run("downsample halves length", func(t *testing.T) {
		in := samplesToBytes([]int16{0, 10, 20, 30, 40, 50})
		got := bytesToSamples(audio.Resample16(in, 1, 48000, 24000))
		equalSamples(t, got, []int16{0, 20, 40})
	})

	t.Run("stereo keeps channels separate", func(t *testing.T) {
		in := samplesToBytes([]int16{0, 1000, 100, 1100})
		got := bytesToSamples(audio.Resample16(in, 2, 8000, 16000))
		if len(got) != 8 {
			t.Fatalf("len = %d, want 8", len(got))
		}
		if got[2] != 50 || got[3] != 1050 {
			t.Errorf("stereo interpolation wrong: %v", got)
		}
	})

	t.Run("zero rate returns input", func(t *testing.T) {
		in := samplesToBytes([]int16{1, 2})
		if out := audio.Resample16(in, 1, 0, 16000); len(out) != len(in) {
			t.Errorf("len = %d, want %d", len(out), len(in))
		}
	})
}

func TestConverter_NoOp(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 1})
	in := audio.AudioFrame{Sequence: 7, Data: samplesToBytes([]int16{1, 2}), SampleRate: 16000, Channels: 1}
	out := c.Convert(in)
	if out.Sequence != 7 || len(out.Data) != 4 {
		t.Fatalf("unexpected frame: %+v", out)
	}
}

func TestConverter_StereoDeviceToMonoAgent(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 1})
	// 4 stereo frames at 32 kHz → 2 mono frames at 16 kHz.
	in := audio.AudioFrame{
		Sequence:   3,
		Timestamp:  40 * time.Millisecond,
		Data:       samplesToBytes([]int16{100, 300, 100, 300, 200, 400, 200, 400}),
		SampleRate: 32000,
		Channels:   2,
	}
	out := c.Convert(in)
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Fatalf("format = %s, want 16000Hz mono", out.Format())
	}
	if out.Sequence != 3 || out.Timestamp != 40*time.Millisecond {
		t.Errorf("metadata not preserved: %+v", out)
	}
	equalSamples(t, bytesToSamples(out.Data), []int16{200, 300})
}

func TestConverter_MisalignedPayloadDropped(t *testing.T) {
	t.Parallel()
	c := audio.NewConverter(audio.Format{SampleRate: 16000, Channels: 1})
	out := c.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if out.Data != nil {
		t.Errorf("expected nil data for odd byte count, got %d bytes", len(out.Data))
	}
}

func TestFormat_FrameBytesAndDuration(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := f.FrameBytes(20 * time.Millisecond); got != 640 {
		t.Errorf("FrameBytes(20ms) = %d, want 640", got)
	}
	if got := f.Duration(640); got != 20*time.Millisecond {
		t.Errorf("Duration(640) = %v, want 20ms", got)
	}
	frame := audio.AudioFrame{Timestamp: 1500 * time.Microsecond}
	if frame.Millis() != 1 {
		t.Errorf("Millis = %d, want 1", frame.Millis())
	}
}
