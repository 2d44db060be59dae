// Package stt defines the Engine interface for speech-to-text backends.
//
// An Engine transcribes one finished speech segment at a time. Transcription
// is split into two phases so that callers can hold expensive engine state
// exclusively for the shortest possible time:
//
//  1. ExtractFeatures turns raw PCM into whatever representation the engine
//     consumes (normalised float samples, an encoded WAV body, ...).
//  2. Infer runs the model or remote request on those features and returns
//     the recognised text.
//
// Callers must call [Features.Release] once Infer returned. [Transcribe] runs
// both phases and takes care of that.
//
// Engines are not required to be safe for concurrent use; the dispatcher
// serialises all calls into a single engine.
package stt

import (
	"context"
	"fmt"
	"strings"
)

// Engine is the abstraction over any speech-to-text backend.
type Engine interface {
	// ExtractFeatures prepares samples (16-bit mono PCM at sampleRate Hz) for
	// inference. Returns ErrEmptyAudio when samples is empty.
	ExtractFeatures(ctx context.Context, samples []int16, sampleRate int) (*Features, error)

	// Infer transcribes previously extracted features. The returned text is
	// trimmed; an empty string means nothing was recognised.
	Infer(ctx context.Context, f *Features) (string, error)
}

// Transcribe runs ExtractFeatures and Infer on e and releases the features.
func Transcribe(ctx context.Context, e Engine, samples []int16, sampleRate int) (string, error) {
	if len(samples) == 0 {
		return "", ErrEmptyAudio
	}
	f, err := e.ExtractFeatures(ctx, samples, sampleRate)
	if err != nil {
		return "", fmt.Errorf("stt: extract features: %w", err)
	}
	defer f.Release()

	text, err := e.Infer(ctx, f)
	if err != nil {
		return "", fmt.Errorf("stt: infer: %w", err)
	}
	return strings.TrimSpace(text), nil
}
