package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vadscribe/internal/config"
	"github.com/MrWong99/vadscribe/pkg/audio"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
filter:
  energy_threshold: 0.25
  silence_frames: 8
  max_segment_frames: 1500
  sample_rate: 16000
dispatch:
  max_workers: 4
  drain_timeout: 45s
  task_timeout: 20s
engine:
  name: whisper-native
  model: /models/ggml-base.en.bin
  options:
    language: en
    threads: 4
fallbacks:
  - name: deepgram
    api_key: dg-key
    model: nova-2
breaker:
  max_failures: 3
  reset_timeout: 10s
source:
  name: websocket
  sample_rate: 48000
  channels: 2
  options:
    echo: true
events:
  sinks: [log, stdout, websocket]
vocabulary:
  - Eldrinax
  - Tower of Whispers
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}

	p := cfg.Filter.Params()
	if p.Threshold != 0.25 || p.SilenceLimit != 8 || p.MaxFrames != 1500 {
		t.Errorf("params = %+v", p)
	}

	if cfg.Dispatch.MaxWorkers != 4 || cfg.Dispatch.DrainTimeout != 45*time.Second || cfg.Dispatch.TaskTimeout != 20*time.Second {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}

	if cfg.Engine.Name != "whisper-native" || cfg.Engine.OptString("language") != "en" || cfg.Engine.OptInt("threads") != 4 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if len(cfg.Fallbacks) != 1 || cfg.Fallbacks[0].APIKey != "dg-key" {
		t.Errorf("fallbacks = %+v", cfg.Fallbacks)
	}

	bc := cfg.Breaker.Resilience()
	if bc.MaxFailures != 3 || bc.ResetTimeout != 10*time.Second {
		t.Errorf("breaker = %+v", bc)
	}

	if got := cfg.Source.Format(); got != (audio.Format{SampleRate: 48000, Channels: 2}) {
		t.Errorf("source format = %+v", got)
	}
	if !cfg.Source.OptBool("echo") {
		t.Error("source echo option not decoded")
	}

	for _, s := range []config.Sink{config.SinkLog, config.SinkStdout, config.SinkReply} {
		if !cfg.Events.Has(s) {
			t.Errorf("sink %q missing", s)
		}
	}
	if len(cfg.Vocabulary) != 2 || cfg.Vocabulary[1] != "Tower of Whispers" {
		t.Errorf("vocabulary = %v", cfg.Vocabulary)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
engine:
  name: whisper
source:
  name: pcm
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	p := cfg.Filter.Params()
	if p.Threshold != 0.1 || p.SilenceLimit != 5 || p.MaxFrames != 0 {
		t.Errorf("default params = %+v, want threshold 0.1, limit 5, unbounded", p)
	}
	if cfg.Filter.SampleRate != 16000 {
		t.Errorf("sample_rate = %d, want 16000", cfg.Filter.SampleRate)
	}
	if cfg.Dispatch.DrainTimeout != 30*time.Second {
		t.Errorf("drain_timeout = %s, want 30s", cfg.Dispatch.DrainTimeout)
	}
	if cfg.Dispatch.TaskTimeout != 60*time.Second {
		t.Errorf("task_timeout = %s, want 60s", cfg.Dispatch.TaskTimeout)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if len(cfg.Events.Sinks) != 1 || cfg.Events.Sinks[0] != config.SinkLog {
		t.Errorf("sinks = %v, want [log]", cfg.Events.Sinks)
	}
	if cfg.Source.Format() != audio.AnalysisFormat {
		t.Errorf("source format = %+v, want analysis format", cfg.Source.Format())
	}
}

func TestFilterConfig_ExplicitZeroIsKept(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(`
filter:
  energy_threshold: 0
  silence_frames: 0
engine:
  name: whisper
source:
  name: pcm
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if p := cfg.Filter.Params(); p.Threshold != 0 || p.SilenceLimit != 0 {
		t.Errorf("params = %+v, want explicit zeros", p)
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("%q.Level() = %v, want %v", tt.in, got, tt.want)
		}
	}
}
