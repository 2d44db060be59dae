package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// IsAnalysis reports whether f already matches [AnalysisFormat].
func (f Format) IsAnalysis() bool {
	return f == AnalysisFormat
}

// FormatConverter converts Frames to mono at a target sample rate. It logs
// once on the first format mismatch and once on misaligned PCM data.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	// Target is the output format. Only mono targets are supported; a zero
	// Target means [AnalysisFormat].
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. When the source already
// matches, frame is returned unchanged without copying. Frames whose data is
// not aligned to whole sample frames are returned empty.
//
// Channels are downmixed before resampling so the resampler only ever sees
// one channel.
func (c *FormatConverter) Convert(frame Frame) Frame {
	target := c.Target
	if target.SampleRate == 0 {
		target = AnalysisFormat
	}
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}

	if len(frame.Data)%(BytesPerSample*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", frame.Format(),
			)
		})
		return Frame{
			SampleRate: target.SampleRate,
			Channels:   1,
			Timestamp:  frame.Timestamp,
			Duration:   frame.Duration,
		}
	}

	if frame.SampleRate == target.SampleRate && channels == 1 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio converter: converting for analysis",
			"from", frame.Format(),
			"to", Format{SampleRate: target.SampleRate, Channels: 1},
		)
	})

	pcm := Downmix(frame.Data, channels)
	pcm = ResampleMono16(pcm, frame.SampleRate, target.SampleRate)

	return Frame{
		Data:       pcm,
		SampleRate: target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
		Duration:   frame.Span(),
	}
}

// Downmix averages interleaved 16-bit PCM with the given channel count into
// mono. Mono input is returned unchanged. Trailing partial sample frames are
// dropped.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * BytesPerSample
	frames := len(pcm) / stride
	out := make([]byte, frames*BytesPerSample)
	for i := range frames {
		var sum int32
		for ch := range channels {
			j := i*stride + ch*BytesPerSample
			sum += int32(int16(pcm[j]) | int16(pcm[j+1])<<8)
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input is returned unchanged when the rates match
// or either rate is not positive.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(pcm[(idx+1)*2]) | int16(pcm[(idx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
