// Package whisper provides whisper.cpp-backed speech-to-text engines.
//
// Two flavours are available:
//
//   - [Engine] talks to a running whisper-server binary, which exposes a REST
//     API at POST /inference. Each segment is uploaded as a WAV file.
//   - [NativeEngine] loads a ggml model in-process through the whisper.cpp
//     CGO bindings and avoids the HTTP round trip entirely.
//
// Both run one inference per speech segment; segmentation itself happens
// upstream.
//
// Usage:
//
//	e, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("en"),
//	)
//	text, err := stt.Transcribe(ctx, e, samples, 16000)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second
)

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with (the default).
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the language code sent to the whisper.cpp server
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		e.language = lang
	}
}

// WithKeywords primes the decoder with vocabulary hints. whisper.cpp has no
// keyword boosting; the words are passed as the initial prompt instead, and
// boost values are ignored.
func WithKeywords(keywords []stt.KeywordBoost) Option {
	return func(e *Engine) {
		e.prompt = keywordPrompt(keywords)
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.httpClient.Timeout = d
		}
	}
}

// Engine implements stt.Engine backed by a whisper.cpp HTTP server.
type Engine struct {
	serverURL  string
	model      string
	language   string
	prompt     string
	httpClient *http.Client
}

// New creates an Engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Engine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &Engine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
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

// Infer POSTs the WAV payload to the /inference endpoint as
// multipart/form-data and returns the transcribed text.
func (e *Engine) Infer(ctx context.Context, f *stt.Features) (string, error) {
	if f == nil || len(f.Payload) == 0 {
		return "", stt.ErrEmptyAudio
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(f.Payload); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	fields := map[string]string{
		"language":        e.language,
		"model":           e.model,
		"prompt":          e.prompt,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// Ping checks that the server is reachable. Used by health checks.
func (e *Engine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("whisper: ping returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// ---- helpers ----------------------------------------------------------------

// keywordPrompt joins keywords into a comma-separated decoder prompt.
func keywordPrompt(keywords []stt.KeywordBoost) string {
	words := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if w := strings.TrimSpace(k.Keyword); w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, ", ")
}
