package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vadscribe/pkg/audio"
)

// KnownEngines and KnownSources list the built-in names. [Validate] warns
// about names outside these lists; they may still be registered by
// third-party code.
var (
	KnownEngines = []string{"whisper-native", "whisper", "deepgram", "openai"}
	KnownSources = []string{"pcm", "websocket", "discord"}
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Filter
	if err := cfg.Filter.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("filter: %w", err))
	}
	if sr := cfg.Filter.SampleRate; sr != 0 && sr != audio.AnalysisSampleRate {
		errs = append(errs, fmt.Errorf("filter.sample_rate %d is unsupported; only %d is accepted", sr, audio.AnalysisSampleRate))
	}

	// Dispatch
	if cfg.Dispatch.MaxWorkers < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_workers %d must not be negative", cfg.Dispatch.MaxWorkers))
	}
	if cfg.Dispatch.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.drain_timeout %s must not be negative", cfg.Dispatch.DrainTimeout))
	}
	if cfg.Dispatch.TaskTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.task_timeout %s must not be negative", cfg.Dispatch.TaskTimeout))
	}

	// Breaker
	if cfg.Breaker.MaxFailures < 0 || cfg.Breaker.HalfOpenMax < 0 || cfg.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("breaker values must not be negative"))
	}

	// Engines
	if cfg.Engine.Name == "" {
		errs = append(errs, errors.New("engine.name is required"))
	}
	warnUnknown("engine", cfg.Engine.Name, KnownEngines)
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallbacks[%d].name is required", i))
			continue
		}
		warnUnknown("engine", fb.Name, KnownEngines)
	}

	// Source
	if cfg.Source.Name == "" {
		errs = append(errs, errors.New("source.name is required"))
	}
	warnUnknown("source", cfg.Source.Name, KnownSources)
	if cfg.Source.SampleRate < 0 || cfg.Source.Channels < 0 {
		errs = append(errs, errors.New("source.sample_rate and source.channels must not be negative"))
	}
	if cfg.Source.ConnectRetries < 0 || cfg.Source.ConnectBackoff < 0 {
		errs = append(errs, errors.New("source.connect_retries and source.connect_backoff must not be negative"))
	}

	// Events
	for i, s := range cfg.Events.Sinks {
		if !s.IsValid() {
			errs = append(errs, fmt.Errorf("events.sinks[%d] %q is invalid; valid values: log, stdout, websocket", i, s))
		}
	}
	if cfg.Events.Has(SinkStdout) && cfg.Source.Name == "pcm" && cfg.Source.OptString("output") == "-" {
		errs = append(errs, errors.New("events.sinks stdout conflicts with source.options.output \"-\""))
	}

	return errors.Join(errs...)
}

// warnUnknown logs a warning if name is non-empty and not a known built-in.
func warnUnknown(kind, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
