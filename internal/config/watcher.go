package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives a validated config whose content differs from the
// previous one, together with what changed.
type ReloadFunc func(next *Config, diff ConfigDiff)

// fileStamp identifies one version of the config file.
type fileStamp struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// Watcher polls the config file of a running vadscribe instance. Valid
// content that changes anything is handed to the [ReloadFunc]; formatting
// or comment edits are absorbed silently. Invalid content is logged once
// and the running config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc

	mu      sync.Mutex
	current *Config
	stamp   fileStamp

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once and returns a watcher that reports changes
// relative to running. When running is nil the file content is the
// baseline. Polling starts with [Watcher.Run].
func NewWatcher(path string, running *Config, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if running == nil {
		running = cfg
	}
	w.current = running
	w.stamp = stamp
	return w, nil
}

// Current returns the config most recently handed to the reload callback,
// or the baseline.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done or [Watcher.Stop] is called. It always
// returns nil so it can run inside an errgroup.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stop:
			return nil
		case <-ticker.C:
			if _, err := w.Poll(); err != nil {
				slog.Warn("config: reload rejected, keeping running config", "path", w.path, "err", err)
			}
		}
	}
}

// Stop ends [Watcher.Run]. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Poll checks the file once. It returns the applied diff, which is empty
// when the file is unchanged or only its formatting changed. Content that
// fails to parse or validate is reported once per file version.
func (w *Watcher) Poll() (ConfigDiff, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	seen := w.stamp
	w.mu.Unlock()
	if info.ModTime().Equal(seen.modTime) && info.Size() == seen.size {
		return ConfigDiff{}, nil
	}

	next, stamp, err := w.read()

	w.mu.Lock()
	unchanged := stamp.sum == w.stamp.sum
	w.stamp = stamp
	prev := w.current
	if err != nil || unchanged {
		w.mu.Unlock()
		return ConfigDiff{}, err
	}
	diff := Diff(prev, next)
	if diff.Changed() {
		w.current = next
	}
	w.mu.Unlock()

	if !diff.Changed() {
		slog.Debug("config: file rewritten without effective changes", "path", w.path)
		return diff, nil
	}
	slog.Info("config: reloaded",
		"path", w.path,
		"filter", diff.FilterChanged,
		"engine", diff.EngineChanged,
		"log_level", diff.LogLevelChanged,
		"vocabulary", diff.VocabularyChanged,
		"restart_required", diff.RestartRequired,
	)
	if w.onReload != nil {
		w.onReload(next, diff)
	}
	return diff, nil
}

// read loads the file and returns its stamp. The stamp is valid even when
// the content is rejected, so a broken file is not re-parsed every poll.
func (w *Watcher) read() (*Config, fileStamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{modTime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, err
	}
	return cfg, stamp, nil
}
