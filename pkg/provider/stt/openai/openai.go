// Package openai provides an STT engine backed by the OpenAI audio
// transcription API (whisper-1, gpt-4o-transcribe and compatible servers).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

// Ensure Engine implements the stt.Engine interface.
var _ stt.Engine = (*Engine)(nil)

// Engine implements stt.Engine using the OpenAI API.
type Engine struct {
	client   oai.Client
	model    string
	language string
	prompt   string
}

// config holds optional configuration for the engine.
type config struct {
	baseURL      string
	organization string
	language     string
	keywords     []stt.KeywordBoost
	timeout      time.Duration
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithLanguage sets the ISO-639-1 input language (e.g., "en"). Empty lets the
// model detect it.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithKeywords passes vocabulary hints as the transcription prompt.
func WithKeywords(keywords []stt.KeywordBoost) Option {
	return func(c *config) {
		c.keywords = keywords
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI transcription Engine.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	words := make([]string, 0, len(cfg.keywords))
	for _, k := range cfg.keywords {
		if w := strings.TrimSpace(k.Keyword); w != "" {
			words = append(words, w)
		}
	}

	return &Engine{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
		prompt:   strings.Join(words, ", "),
	}, nil
}

// ExtractFeatures wraps samples in a mono WAV file.
func (e *Engine) ExtractFeatures(_ context.Context, samples []int16, sampleRate int) (*stt.Features, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	f := stt.NewFeatures(samples, sampleRate, nil)
	f.Payload = audio.EncodeWAV(audio.Int16ToBytes(samples), sampleRate, 1)
	f.ContentType = "audio/wav"
	return f, nil
}

// Infer uploads the WAV payload and returns the transcription text.
func (e *Engine) Infer(ctx context.Context, f *stt.Features) (string, error) {
	if f == nil || len(f.Payload) == 0 {
		return "", stt.ErrEmptyAudio
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(f.Payload), "segment.wav", f.ContentType),
		Model: oai.AudioModel(e.model),
	}
	if e.language != "" {
		params.Language = oai.String(e.language)
	}
	if e.prompt != "" {
		params.Prompt = oai.String(e.prompt)
	}

	resp, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}
