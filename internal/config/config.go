// Package config provides the configuration schema, loader, hot-reload
// watcher and engine/source registry for vadscribe.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/vadscribe/internal/resilience"
	"github.com/MrWong99/vadscribe/internal/segment"
	"github.com/MrWong99/vadscribe/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sink names a destination for transcription events.
type Sink string

const (
	// SinkLog writes every event to the structured log.
	SinkLog Sink = "log"

	// SinkStdout writes events to standard output as JSON lines.
	SinkStdout Sink = "stdout"

	// SinkReply sends each stream's events back to its producer (e.g. the
	// websocket client that sent the audio).
	SinkReply Sink = "websocket"
)

// IsValid reports whether s is a recognised sink.
func (s Sink) IsValid() bool {
	return s == SinkLog || s == SinkStdout || s == SinkReply
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Filter     FilterConfig    `yaml:"filter"`
	Dispatch   DispatchConfig  `yaml:"dispatch"`
	Engine     ProviderEntry   `yaml:"engine"`
	Fallbacks  []ProviderEntry `yaml:"fallbacks"`
	Breaker    BreakerConfig   `yaml:"breaker"`
	Source     SourceConfig    `yaml:"source"`
	Events     EventsConfig    `yaml:"events"`
	Vocabulary []string        `yaml:"vocabulary"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving health, metrics and websocket
	// endpoints (e.g., ":8080"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Changes apply without restart.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// FilterConfig holds the segmentation parameters. Threshold and silence
// frames apply to live streams immediately on reload.
type FilterConfig struct {
	// EnergyThreshold is the cumulative frame energy above which a frame
	// counts as speech, in [0, 1]. Default: 0.1.
	EnergyThreshold *float64 `yaml:"energy_threshold"`

	// SilenceFrames is the number of consecutive quiet frames tolerated
	// inside a segment; one more seals it. Default: 5.
	SilenceFrames *int `yaml:"silence_frames"`

	// MaxSegmentFrames force-seals a segment at this size. 0 means unbounded.
	MaxSegmentFrames int `yaml:"max_segment_frames"`

	// SampleRate is the analysis sample rate. Only 16000 is supported.
	SampleRate int `yaml:"sample_rate"`
}

// Params returns the segmentation parameters with defaults applied.
func (f FilterConfig) Params() segment.Params {
	p := segment.DefaultParams()
	if f.EnergyThreshold != nil {
		p.Threshold = *f.EnergyThreshold
	}
	if f.SilenceFrames != nil {
		p.SilenceLimit = *f.SilenceFrames
	}
	p.MaxFrames = f.MaxSegmentFrames
	return p
}

// DispatchConfig controls the inference worker pool.
type DispatchConfig struct {
	// MaxWorkers caps concurrent inference workers. 0 grows as needed.
	MaxWorkers int `yaml:"max_workers"`

	// DrainTimeout bounds how long end-of-stream waits for pending
	// transcriptions. Default: 30s.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// TaskTimeout bounds one segment's time inside the engine, so a stalled
	// engine call cannot hold the engine lock indefinitely. Default: 60s.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// BreakerConfig configures the circuit breaker guarding each engine.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	// Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker rejects calls before probing.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// HalfOpenMax is the number of trial calls in the half-open state.
	// Default: 3.
	HalfOpenMax int `yaml:"half_open_max"`
}

// Resilience converts b into the breaker settings of an engine chain.
func (b BreakerConfig) Resilience() resilience.BreakerConfig {
	return resilience.BreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
		HalfOpenMax:  b.HalfOpenMax,
	}
}

// ProviderEntry configures one speech engine. Name selects the constructor
// in the [Registry].
type ProviderEntry struct {
	// Name selects the registered engine (e.g., "whisper-native", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against hosted engines.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the engine's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model, or the model file for local engines.
	Model string `yaml:"model"`

	// Options holds engine-specific values (e.g., "language", "threads").
	Options map[string]any `yaml:"options"`
}

// OptString returns Options[key] if it is a string, or "".
func (e ProviderEntry) OptString(key string) string {
	return optString(e.Options, key)
}

// OptInt returns Options[key] if it is an integer, or 0.
func (e ProviderEntry) OptInt(key string) int {
	return optInt(e.Options, key)
}

// SourceConfig selects where audio comes from.
type SourceConfig struct {
	// Name selects the registered source ("pcm", "websocket", "discord").
	Name string `yaml:"name"`

	// Target is passed to [audio.Platform.Connect]: a file path or "-" for
	// pcm, a voice channel ID for discord, ignored for websocket.
	Target string `yaml:"target"`

	// SampleRate and Channels declare the format of raw input. Default:
	// 16000 Hz mono.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// ConnectRetries is how many times a failed connect is retried with
	// exponential backoff starting at ConnectBackoff (default 1s).
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`

	// Options holds source-specific values (e.g., "output", "token").
	Options map[string]any `yaml:"options"`
}

// Format returns the declared raw input format with defaults applied.
func (s SourceConfig) Format() audio.Format {
	f := audio.AnalysisFormat
	if s.SampleRate > 0 {
		f.SampleRate = s.SampleRate
	}
	if s.Channels > 0 {
		f.Channels = s.Channels
	}
	return f
}

// OptString returns Options[key] if it is a string, or "".
func (s SourceConfig) OptString(key string) string {
	return optString(s.Options, key)
}

// OptBool returns Options[key] if it is a boolean, or false.
func (s SourceConfig) OptBool(key string) bool {
	b, _ := s.Options[key].(bool)
	return b
}

// EventsConfig selects where transcription events are published.
type EventsConfig struct {
	// Sinks lists the destinations. Default: [log].
	Sinks []Sink `yaml:"sinks"`
}

// Has reports whether s is one of the configured sinks.
func (e EventsConfig) Has(s Sink) bool {
	for _, v := range e.Sinks {
		if v == s {
			return true
		}
	}
	return false
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Filter.SampleRate == 0 {
		c.Filter.SampleRate = audio.AnalysisSampleRate
	}
	if c.Dispatch.DrainTimeout == 0 {
		c.Dispatch.DrainTimeout = 30 * time.Second
	}
	if c.Dispatch.TaskTimeout == 0 {
		c.Dispatch.TaskTimeout = 60 * time.Second
	}
	if len(c.Events.Sinks) == 0 {
		c.Events.Sinks = []Sink{SinkLog}
	}
}

func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
