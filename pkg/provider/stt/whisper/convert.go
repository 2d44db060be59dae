package whisper

import "github.com/MrWong99/vadscribe/pkg/audio"

// modelSampleRate is the only sample rate whisper models accept.
const modelSampleRate = 16000

// modelInput converts mono 16-bit samples at sampleRate into the float32
// samples normalised to [-1.0, 1.0) that whisper.cpp consumes, resampling
// to 16 kHz when needed.
func modelInput(samples []int16, sampleRate int) []float32 {
	if sampleRate > 0 && sampleRate != modelSampleRate {
		pcm := audio.ResampleMono16(audio.Int16ToBytes(samples), sampleRate, modelSampleRate)
		samples = audio.BytesToInt16(pcm)
	}
	return audio.Int16ToFloat32(samples)
}
