// Command vadscribe is the main entry point for the vadscribe speech
// transcription filter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/vadscribe/internal/app"
	"github.com/MrWong99/vadscribe/internal/config"
	"github.com/MrWong99/vadscribe/internal/observe"
	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/audio/discord"
	"github.com/MrWong99/vadscribe/pkg/audio/pcm"
	"github.com/MrWong99/vadscribe/pkg/audio/websocket"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
	"github.com/MrWong99/vadscribe/pkg/provider/stt/deepgram"
	"github.com/MrWong99/vadscribe/pkg/provider/stt/openai"
	"github.com/MrWong99/vadscribe/pkg/provider/stt/whisper"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// defaultKeywordBoost is applied to vocabulary terms sent to engines that
// support keyword boosting, unless overridden with the "keyword_boost"
// engine option.
const defaultKeywordBoost = 2

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "vadscribe.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vadscribe: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vadscribe: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(level))

	slog.Info("vadscribe starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(observe.ProviderConfig{
		ServiceVersion: version,
		Engine:         cfg.Engine.Name,
		Source:         cfg.Source.Name,
		Global:         true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Registry ──────────────────────────────────────────────────────────────
	// Sessions opened by source factories are closed on exit.
	var closers []func() error
	reg := config.NewRegistry()
	registerBuiltinEngines(reg, cfg.Vocabulary)
	registerBuiltinSources(reg, &closers)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLevelVar(level)}
	if *watch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("vadscribe ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	for _, c := range closers {
		if err := c(); err != nil {
			slog.Warn("close error", "err", err)
		}
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires all built-in engine factories into reg.
// vocabulary is sent as keyword boosts to the engines that support it.
func registerBuiltinEngines(reg *config.Registry, vocabulary []string) {
	reg.RegisterEngine("whisper-native", func(entry config.ProviderEntry) (stt.Engine, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptString("model_path")
		}
		opts := []whisper.NativeOption{
			whisper.WithNativeKeywords(keywords(entry, vocabulary)),
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := entry.OptInt("threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterEngine("whisper", func(entry config.ProviderEntry) (stt.Engine, error) {
		opts := []whisper.Option{
			whisper.WithKeywords(keywords(entry, vocabulary)),
		}
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterEngine("deepgram", func(entry config.ProviderEntry) (stt.Engine, error) {
		opts := []deepgram.Option{
			deepgram.WithKeywords(keywords(entry, vocabulary)),
		}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, deepgram.WithTimeout(d))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterEngine("openai", func(entry config.ProviderEntry) (stt.Engine, error) {
		opts := []openai.Option{
			openai.WithKeywords(keywords(entry, vocabulary)),
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if lang := entry.OptString("language"); lang != "" {
			opts = append(opts, openai.WithLanguage(lang))
		}
		if d, err := optDuration(entry, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.Engines() {
		slog.Debug("registered engine", "name", name)
	}
}

// ── Source wiring ─────────────────────────────────────────────────────────────

// registerBuiltinSources wires all built-in audio source factories into reg.
// Resources that outlive the source (the discord session) are appended to
// closers.
func registerBuiltinSources(reg *config.Registry, closers *[]func() error) {
	reg.RegisterSource("pcm", func(src config.SourceConfig) (audio.Platform, error) {
		opts := []pcm.Option{
			pcm.WithFormat(src.Format()),
			pcm.WithRealtime(src.OptBool("realtime")),
		}
		if out := src.OptString("output"); out != "" {
			opts = append(opts, pcm.WithOutput(out))
		}
		if ms := src.OptString("frame_duration"); ms != "" {
			d, err := time.ParseDuration(ms)
			if err != nil {
				return nil, fmt.Errorf("source.options.frame_duration: %w", err)
			}
			opts = append(opts, pcm.WithFrameDuration(d))
		}
		return pcm.New(opts...), nil
	})

	reg.RegisterSource("websocket", func(src config.SourceConfig) (audio.Platform, error) {
		opts := []websocket.Option{
			websocket.WithFormat(src.Format()),
			websocket.WithEcho(src.OptBool("echo")),
		}
		if origin := src.OptString("origin"); origin != "" {
			opts = append(opts, websocket.WithOriginPatterns(origin))
		}
		return websocket.New(opts...), nil
	})

	reg.RegisterSource("discord", func(src config.SourceConfig) (audio.Platform, error) {
		token, guild := src.OptString("token"), src.OptString("guild_id")
		if token == "" || guild == "" {
			return nil, errors.New("source.options.token and source.options.guild_id are required")
		}
		session, err := discord.OpenSession(token)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, session.Close)
		return discord.New(session, guild), nil
	})

	for _, name := range reg.Sources() {
		slog.Debug("registered source", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

// printStartupSummary writes to stderr; stdout may carry audio or events.
func printStartupSummary(cfg *config.Config) {
	p := cfg.Filter.Params()
	fmt.Fprintln(os.Stderr, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(os.Stderr, "║        vadscribe startup summary      ║")
	fmt.Fprintln(os.Stderr, "╠═══════════════════════════════════════╣")
	printRow("Engine", cfg.Engine.Name, cfg.Engine.Model)
	fmt.Fprintf(os.Stderr, "║  Fallbacks       : %-19d ║\n", len(cfg.Fallbacks))
	printRow("Source", cfg.Source.Name, cfg.Source.Target)
	fmt.Fprintf(os.Stderr, "║  Threshold       : %-19.3f ║\n", p.Threshold)
	fmt.Fprintf(os.Stderr, "║  Silence frames  : %-19d ║\n", p.SilenceLimit)
	fmt.Fprintf(os.Stderr, "║  Vocabulary      : %-19d ║\n", len(cfg.Vocabulary))
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(os.Stderr, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(os.Stderr, "╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(os.Stderr, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// keywords turns the vocabulary into keyword boosts for entry.
func keywords(entry config.ProviderEntry, vocabulary []string) []stt.KeywordBoost {
	boost := float64(defaultKeywordBoost)
	if b := entry.OptInt("keyword_boost"); b > 0 {
		boost = float64(b)
	}
	out := make([]stt.KeywordBoost, 0, len(vocabulary))
	for _, term := range vocabulary {
		out = append(out, stt.KeywordBoost{Keyword: term, Boost: boost})
	}
	return out
}

// optDuration parses entry.Options[key] as a Go duration string.
func optDuration(entry config.ProviderEntry, key string) (time.Duration, error) {
	s := entry.OptString(key)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s.options.%s: %w", entry.Name, key, err)
	}
	return d, nil
}
