// Package deepgram provides a Deepgram-backed STT engine using the Deepgram
// streaming WebSocket API. It implements the stt.Engine interface.
//
// Every Infer call opens a short-lived streaming session: the segment's PCM
// is sent in chunks, the stream is closed with a CloseStream message, and
// all final results Deepgram returns before closing the socket are joined.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
	defaultTimeout   = 30 * time.Second

	// sendChunkBytes is the PCM size of one binary message (250 ms at 16 kHz).
	sendChunkBytes = 8000
)

// Compile-time assertion that Engine implements stt.Engine.
var _ stt.Engine = (*Engine)(nil)

// Option is a functional option for configuring the Deepgram Engine.
type Option func(*Engine)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(e *Engine) {
		e.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(e *Engine) {
		e.language = language
	}
}

// WithKeywords boosts recognition of the given vocabulary.
func WithKeywords(keywords []stt.KeywordBoost) Option {
	return func(e *Engine) {
		e.keywords = keywords
	}
}

// WithEndpoint overrides the streaming endpoint URL. Intended for tests and
// self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(e *Engine) {
		e.endpoint = endpoint
	}
}

// WithTimeout bounds one Infer call from dial until the socket closes.
// Defaults to 30s. Zero or negative values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// Engine implements stt.Engine backed by the Deepgram streaming API.
type Engine struct {
	apiKey   string
	model    string
	language string
	keywords []stt.KeywordBoost
	endpoint string
	timeout  time.Duration
}

// New creates a new Deepgram Engine. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	e := &Engine{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
		timeout:  defaultTimeout,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ExtractFeatures encodes samples as raw linear16 PCM.
func (e *Engine) ExtractFeatures(_ context.Context, samples []int16, sampleRate int) (*stt.Features, error) {
	if len(samples) == 0 {
		return nil, stt.ErrEmptyAudio
	}
	f := stt.NewFeatures(samples, sampleRate, nil)
	f.Payload = audio.Int16ToBytes(samples)
	f.ContentType = "audio/l16"
	return f, nil
}

// Infer streams the payload to Deepgram and returns the joined final
// transcripts. A session that does not close within the configured timeout
// fails with context.DeadlineExceeded.
func (e *Engine) Infer(ctx context.Context, f *stt.Features) (string, error) {
	if f == nil || len(f.Payload) == 0 {
		return "", stt.ErrEmptyAudio
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	wsURL, err := e.buildURL(f.SampleRate)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+e.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	// Results arrive while audio is still being sent; read concurrently.
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := readFinals(ctx, conn)
		done <- result{text, err}
	}()

	if err := sendAudio(ctx, conn, f.Payload); err != nil {
		return "", err
	}

	select {
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		_ = conn.Close(websocket.StatusNormalClosure, "segment complete")
		return r.text, nil
	case <-ctx.Done():
		return "", fmt.Errorf("deepgram: await results: %w", ctx.Err())
	}
}

// buildURL constructs the Deepgram streaming endpoint URL for sampleRate.
func (e *Engine) buildURL(sampleRate int) (string, error) {
	u, err := url.Parse(e.endpoint)
	if err != nil {
		return "", err
	}
	if sampleRate <= 0 {
		sampleRate = audio.AnalysisSampleRate
	}

	q := u.Query()
	q.Set("model", e.model)
	q.Set("language", e.language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")

	for _, kw := range e.keywords {
		// Deepgram keyword format: word:boost (e.g., "Eldrinax:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// sendAudio writes pcm in chunks followed by CloseStream, which makes
// Deepgram flush its results and close the socket.
func sendAudio(ctx context.Context, conn *websocket.Conn, pcm []byte) error {
	for len(pcm) > 0 {
		n := min(sendChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[:n]); err != nil {
			return fmt.Errorf("deepgram: send audio: %w", err)
		}
		pcm = pcm[n:]
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return fmt.Errorf("deepgram: close stream: %w", err)
	}
	return nil
}

// readFinals collects final transcripts until Deepgram closes the socket.
func readFinals(ctx context.Context, conn *websocket.Conn) (string, error) {
	var parts []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return strings.Join(parts, " "), nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("deepgram: read: %w", err)
		}
		if text, ok := parseDeepgramResponse(msg); ok && text != "" {
			parts = append(parts, text)
		}
	}
}

// parseDeepgramResponse extracts the transcript of a final Results message.
// Returns ("", false) if the message should be ignored.
func parseDeepgramResponse(data []byte) (string, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return "", false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return "", false
	}
	return strings.TrimSpace(resp.Channel.Alternatives[0].Transcript), true
}
