package audio

import (
	"encoding/binary"
	"time"
)

// NoTimestamp marks a timestamp or duration that the producer did not supply.
const NoTimestamp time.Duration = -1

// Fixed analysis format: 16 kHz, 16-bit signed little-endian, mono.
const (
	AnalysisSampleRate = 16000
	AnalysisChannels   = 1
	BytesPerSample     = 2
)

// AnalysisFormat is the format the energy detector and the engines consume.
var AnalysisFormat = Format{SampleRate: AnalysisSampleRate, Channels: AnalysisChannels}

// Frame represents a single chunk of PCM audio flowing through the filter.
// Frames are immutable once produced: the filter forwards them downstream
// unchanged and copies their bytes when it needs to retain them.
type Frame struct {
	// PCM audio data, 16-bit signed little-endian, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for analysis, 48000 for Discord Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the presentation timestamp relative to the stream's
	// timeline, or [NoTimestamp].
	Timestamp time.Duration

	// Duration of the frame, or [NoTimestamp] when the producer did not set
	// one. Use [Frame.Span] for a duration that is always known.
	Duration time.Duration
}

// Format returns the frame's sample rate and channel count.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// SampleCount returns the number of samples per channel in the frame.
func (f Frame) SampleCount() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Span returns the frame duration, deriving it from the byte length when
// Duration is unset. Returns 0 when the sample rate is unknown.
func (f Frame) Span() time.Duration {
	if f.Duration > 0 {
		return f.Duration
	}
	return BytesDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Samples decodes the frame's PCM data into int16 samples. A trailing odd
// byte is ignored.
func (f Frame) Samples() []int16 {
	return BytesToInt16(f.Data)
}

// BytesDuration returns the playback duration of n bytes of 16-bit PCM at
// the given rate and channel count.
func BytesDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := int64(n / (BytesPerSample * channels))
	return time.Duration(samples * int64(time.Second) / int64(sampleRate))
}

// BytesToInt16 converts little-endian 16-bit PCM bytes to samples.
func BytesToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// Int16ToBytes converts samples to little-endian 16-bit PCM bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Int16ToFloat32 converts samples to float32 normalised to [-1.0, 1.0).
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
