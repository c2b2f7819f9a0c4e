package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Converter converts 16-bit PCM frames to a target [Format]. It logs once on
// the first format mismatch and once on the first misaligned payload.
// Sequence, turn and timestamp are carried through unchanged.
//
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// NewConverter returns a Converter producing frames in target format.
func NewConverter(target Format) *Converter {
	return &Converter{Target: target}
}

// Convert returns frame in the target format. A frame already in the target
// format is returned unchanged without allocation. A payload that is not a
// whole number of sample frames yields a frame with nil Data, which callers
// should drop.
func (c *Converter) Convert(frame AudioFrame) AudioFrame {
	if frame.Channels <= 0 || len(frame.Data)%(bytesPerSample*frame.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM payload, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format().String(),
			)
		})
		out := frame
		out.Data = nil
		return out
	}

	if frame.Format() == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", frame.Format().String(),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	channels := frame.Channels

	// Downmix before resampling so that fewer channels are interpolated.
	if channels > c.Target.Channels {
		pcm = Downmix16(pcm, channels, c.Target.Channels)
		channels = c.Target.Channels
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	}
	if channels < c.Target.Channels {
		pcm = Upmix16(pcm, channels, c.Target.Channels)
	}

	out := frame
	out.Data = pcm
	out.SampleRate = c.Target.SampleRate
	out.Channels = c.Target.Channels
	return out
}

func sampleAt(pcm []byte, i int) int32 {
	return int32(int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:])))
}

func putSample(pcm []byte, i int, v int32) {
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(int16(v)))
}

// Downmix16 reduces interleaved PCM from src channels to dst channels. When
// dst is 1 all source channels are averaged; otherwise the first dst channels
// are kept.
func Downmix16(pcm []byte, src, dst int) []byte {
	if src <= dst || dst <= 0 {
		return pcm
	}
	frames := len(pcm) / (src * bytesPerSample)
	out := make([]byte, frames*dst*bytesPerSample)
	for f := range frames {
		if dst == 1 {
			var sum int32
			for ch := range src {
				sum += sampleAt(pcm, f*src+ch)
			}
			putSample(out, f, sum/int32(src))
			continue
		}
		for ch := range dst {
			putSample(out, f*dst+ch, sampleAt(pcm, f*src+ch))
		}
	}
	return out
}

// Upmix16 expands interleaved PCM from src channels to dst channels by
// repeating the last source channel.
func Upmix16(pcm []byte, src, dst int) []byte {
	if src >= dst || src <= 0 {
		return pcm
	}
	frames := len(pcm) / (src * bytesPerSample)
	out := make([]byte, frames*dst*bytesPerSample)
	for f := range frames {
		for ch := range dst {
			from := min(ch, src-1)
			putSample(out, f*dst+ch, sampleAt(pcm, f*src+from))
		}
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation. The input is returned
// unchanged when the rates match or either rate is not positive.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * bytesPerSample)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*bytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := min(idx+1, srcFrames-1)
		for ch := range channels {
			s0 := float64(sampleAt(pcm, idx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0*(1-frac)+s1*frac))
		}
	}
	return out
}
