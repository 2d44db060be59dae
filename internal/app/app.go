// Package app wires all vadscribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the engine chain, the
// dispatcher and the event sinks, Run connects the audio source and serves
// HTTP, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithEngine, WithSource, etc.). When an option is not provided, New
// creates real implementations from the config and the registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vadscribe/internal/config"
	"github.com/MrWong99/vadscribe/internal/dispatch"
	"github.com/MrWong99/vadscribe/internal/emit"
	"github.com/MrWong99/vadscribe/internal/filter"
	"github.com/MrWong99/vadscribe/internal/observe"
	"github.com/MrWong99/vadscribe/internal/resilience"
	"github.com/MrWong99/vadscribe/internal/transcript"
	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// ErrNoRegistry is returned by New when a component has to be built from
// config but no registry was supplied.
var ErrNoRegistry = errors.New("app: registry required")

// App owns all subsystem lifetimes.
type App struct {
	reg        *config.Registry
	level      *slog.LevelVar
	metrics    *observe.Metrics
	configPath string
	stdout     io.Writer
	interval   time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	engine     stt.Engine
	source     audio.Platform
	dispatcher *dispatch.Dispatcher
	corrector  *transcript.Corrector
	bus        *emit.Bus
	sinks      emit.Multi

	mu      sync.Mutex
	cfg     *config.Config
	conn    audio.Connection
	filters map[string]*filter.Filter
	watcher *config.Watcher
	streams sync.WaitGroup

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects the speech engine instead of building one from the
// registry.
func WithEngine(e stt.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithSource injects the audio source instead of creating one from the
// registry.
func WithSource(p audio.Platform) Option {
	return func(a *App) { a.source = p }
}

// WithLevelVar sets the level variable adjusted when the log level is
// reloaded. It should be the one backing the default logger's handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithConfigPath enables hot reload: Run watches path and applies changes
// with [App.ApplyConfig].
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithWatchInterval sets the config polling interval used with
// WithConfigPath.
func WithWatchInterval(d time.Duration) Option {
	return func(a *App) { a.interval = d }
}

// WithStdout sets the writer used by the stdout event sink. Defaults to
// os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(a *App) { a.stdout = w }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Engines and the audio source are created
// through reg unless injected with options.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		reg:     reg,
		stdout:  os.Stdout,
		filters: make(map[string]*filter.Filter),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.Level())

	// ── 1. Engine chain ──────────────────────────────────────────────────
	if a.engine == nil {
		e, err := a.buildEngine(cfg)
		if err != nil {
			return nil, fmt.Errorf("app: init engine: %w", err)
		}
		a.engine = e
	}

	// ── 2. Audio source ──────────────────────────────────────────────────
	if a.source == nil {
		if a.reg == nil {
			closeEngine(a.engine)
			return nil, fmt.Errorf("app: init source: %w", ErrNoRegistry)
		}
		src, err := a.reg.CreateSource(cfg.Source)
		if err != nil {
			closeEngine(a.engine)
			return nil, fmt.Errorf("app: init source: %w", err)
		}
		a.source = src
	}

	// ── 3. Event sinks ───────────────────────────────────────────────────
	a.bus = emit.NewBus()
	a.corrector = transcript.NewCorrector(nil, cfg.Vocabulary)
	if cfg.Events.Has(config.SinkLog) {
		a.sinks = append(a.sinks, &emit.LogPublisher{})
	}
	if cfg.Events.Has(config.SinkStdout) {
		a.sinks = append(a.sinks, emit.NewJSONPublisher(a.stdout))
	}
	a.sinks = append(a.sinks, a.bus)

	// ── 4. Dispatcher ────────────────────────────────────────────────────
	a.dispatcher = dispatch.New(a.engine,
		dispatch.WithMaxWorkers(cfg.Dispatch.MaxWorkers),
		dispatch.WithTaskTimeout(cfg.Dispatch.TaskTimeout),
		dispatch.WithMetrics(a.metrics),
		dispatch.WithPublisher(transcript.NewPublisher(a.sinks, a.corrector)),
	)

	return a, nil
}

// buildEngine creates the primary engine and its fallbacks and wraps them
// in a circuit-breaker chain. Engines created before a failure are closed.
func (a *App) buildEngine(cfg *config.Config) (stt.Engine, error) {
	if a.reg == nil {
		return nil, ErrNoRegistry
	}
	primary, err := a.reg.CreateEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}
	bc := cfg.Breaker.Resilience()
	bc.OnStateChange = func(engine string, _, to resilience.State) {
		a.metrics.RecordBreakerState(context.Background(), engine, to.String())
	}
	chain := resilience.NewEngineFallback(primary, cfg.Engine.Name, bc)
	for i, entry := range cfg.Fallbacks {
		e, err := a.reg.CreateEngine(entry)
		if err != nil {
			_ = chain.Close()
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		chain.AddFallback(entry.Name, e)
	}
	return chain, nil
}

// Config returns the config currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Engine returns the engine currently installed in the dispatcher.
func (a *App) Engine() stt.Engine {
	return a.dispatcher.Engine()
}

// Bus returns the event bus every transcription is published to.
func (a *App) Bus() *emit.Bus {
	return a.bus
}

// ActiveStreams returns the IDs of the streams currently being filtered.
func (a *App) ActiveStreams() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.filters))
	for id := range a.filters {
		ids = append(ids, id)
	}
	return ids
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects the audio source and filters every stream it announces. It
// also serves HTTP when a listen address is configured and watches the
// config file when hot reload is enabled.
//
// Run returns nil once the source has no further streams and every stream
// has drained. When ctx is cancelled first, open streams are drained and
// ctx.Err() is returned.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config()

	var conn audio.Connection
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Name:       "source/" + cfg.Source.Name,
		MaxRetries: cfg.Source.ConnectRetries,
		Backoff:    cfg.Source.ConnectBackoff,
	}, func(ctx context.Context) error {
		c, err := a.source.Connect(ctx, cfg.Source.Target)
		conn = c
		return err
	})
	if err != nil {
		return fmt.Errorf("app: connect source %q: %w", cfg.Source.Name, err)
	}
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, cfg, func(next *config.Config, _ config.ConfigDiff) {
			a.ApplyConfig(next)
		}, config.WithInterval(a.interval))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.mu.Lock()
		a.watcher = w
		a.mu.Unlock()
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		// The source running dry ends the whole run.
		defer cancel()
		a.serveStreams(gctx, conn)
		return nil
	})

	if cfg.Server.ListenAddr != "" {
		g.Go(func() error {
			return a.serve(gctx, cfg.Server)
		})
	}

	slog.Info("app running",
		"source", cfg.Source.Name,
		"engine", cfg.Engine.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// serveStreams starts a filter for every announced stream and waits until
// all of them have finished.
func (a *App) serveStreams(ctx context.Context, conn audio.Connection) {
	defer a.streams.Wait()
	streams := conn.Streams()
	for {
		select {
		case <-ctx.Done():
			go discardStreams(streams)
			return
		case s, ok := <-streams:
			if !ok {
				slog.Info("app: source has no further streams")
				return
			}
			a.startFilter(ctx, s)
		}
	}
}

// discardStreams consumes streams announced after Run stopped accepting
// them so their producers do not block. It returns once the source closes
// the channel.
func discardStreams(streams <-chan audio.Stream) {
	for s := range streams {
		slog.Warn("app: stream announced during shutdown, discarding", "stream", s.ID)
		go audio.Drain(s.Frames)
		if s.Downstream != nil {
			close(s.Downstream)
		}
	}
}

// startFilter creates and runs the filter for s in its own goroutine.
func (a *App) startFilter(ctx context.Context, s audio.Stream) {
	cfg := a.Config()

	pub := emit.Publisher(a.sinks)
	if s.Reply != nil && cfg.Events.Has(config.SinkReply) {
		pub = emit.Multi{a.sinks, emit.ReplyPublisher(s.Reply)}
	}

	f := filter.New(a.dispatcher, s,
		filter.WithParams(cfg.Filter.Params()),
		filter.WithPublisher(transcript.NewPublisher(pub, a.corrector)),
		filter.WithMetrics(a.metrics),
		filter.WithDrainTimeout(cfg.Dispatch.DrainTimeout),
	)

	a.mu.Lock()
	if _, dup := a.filters[s.ID]; dup {
		slog.Warn("app: duplicate stream id", "stream", s.ID)
	}
	a.filters[s.ID] = f
	a.mu.Unlock()

	a.streams.Add(1)
	go func() {
		defer a.streams.Done()
		defer func() {
			a.mu.Lock()
			if a.filters[s.ID] == f {
				delete(a.filters, s.ID)
			}
			a.mu.Unlock()
		}()
		if err := f.Run(ctx); err != nil {
			slog.Warn("app: stream finished with error", "stream", s.ID, "err", err)
		}
	}()
}

// serve runs the HTTP server until ctx is cancelled.
func (a *App) serve(ctx context.Context, sc config.ServerConfig) error {
	srv := &http.Server{
		Addr:              sc.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if sc.TLS != nil {
			err = srv.ListenAndServeTLS(sc.TLS.CertFile, sc.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	slog.Info("app: http server listening", "addr", sc.ListenAddr, "tls", sc.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("app: http server shutdown", "err", err)
	}
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the source, waits for open streams to drain, stops
// the dispatcher and closes the engine. It respects the context deadline:
// when ctx expires first, in-flight transcriptions are cancelled and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "streams", len(a.ActiveStreams()))

		a.mu.Lock()
		conn, w := a.conn, a.watcher
		a.mu.Unlock()

		if w != nil {
			w.Stop()
		}

		// Disconnect first so open streams see end-of-stream and drain.
		if conn != nil {
			if err := conn.Disconnect(); err != nil {
				slog.Warn("audio disconnect error", "err", err)
			}
		}

		drained := make(chan struct{})
		go func() {
			a.streams.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded while draining streams", "streams", len(a.ActiveStreams()))
		}

		if err := a.dispatcher.Close(ctx); err != nil {
			slog.Warn("dispatcher close error", "err", err)
			shutdownErr = err
		}
		closeEngine(a.dispatcher.Engine())

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeEngine closes e if it holds resources.
func closeEngine(e stt.Engine) {
	c, ok := e.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("engine close error", "err", err)
	}
}
