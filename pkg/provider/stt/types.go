package stt

import "errors"

// ErrEmptyAudio is returned when an engine is asked to transcribe a segment
// without samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Features is the engine-specific input prepared from one speech segment by
// [Engine.ExtractFeatures] and consumed by [Engine.Infer].
//
// Engines fill whichever representation they need: local models typically
// use Vector, remote services an encoded Payload.
type Features struct {
	// Samples is the source audio: 16-bit signed mono PCM.
	Samples []int16

	// SampleRate of Samples in Hz.
	SampleRate int

	// Vector holds model-ready float32 input (e.g., normalised samples).
	Vector []float32

	// Payload holds an encoded request body (e.g., a WAV file or raw PCM).
	Payload []byte

	// ContentType describes Payload, e.g. "audio/wav".
	ContentType string

	release func()
}

// NewFeatures returns Features whose Release calls release exactly once.
func NewFeatures(samples []int16, sampleRate int, release func()) *Features {
	return &Features{Samples: samples, SampleRate: sampleRate, release: release}
}

// Release frees engine resources held by f. It is safe to call on nil
// Features and more than once.
func (f *Features) Release() {
	if f == nil || f.release == nil {
		return
	}
	r := f.release
	f.release = nil
	r()
}

// KeywordBoost represents a vocabulary hint that raises the recognition
// probability of an uncommon word such as a proper noun.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Eldrinax").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
