package app

import (
	"log/slog"

	"github.com/MrWong99/vadscribe/internal/config"
	"github.com/MrWong99/vadscribe/internal/filter"
)

// ApplyConfig applies the hot-reloadable parts of next and returns what
// changed relative to the config in effect:
//
//   - Segmentation parameters take effect on the next frame of every live
//     stream and for all later streams.
//   - Engine changes build a new engine chain and swap it into the
//     dispatcher; the old chain is closed once no transcription uses it. If
//     the new chain cannot be built the old one stays installed.
//   - Log level and vocabulary changes apply immediately.
//
// Everything else is logged as requiring a restart.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	prev := a.cfg
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if !d.Changed() {
		return d
	}
	applied := *next

	if d.EngineChanged {
		e, err := a.buildEngine(next)
		if err != nil {
			slog.Error("app: engine reload failed, keeping current engine", "engine", next.Engine.Name, "err", err)
			// Keep the old engine settings so the next reload retries.
			applied.Engine = prev.Engine
			applied.Fallbacks = prev.Fallbacks
			applied.Breaker = prev.Breaker
		} else {
			old := a.dispatcher.SwapEngine(e)
			closeEngine(old)
			slog.Info("app: engine swapped", "engine", next.Engine.Name, "fallbacks", len(next.Fallbacks))
		}
	}

	a.mu.Lock()
	a.cfg = &applied
	live := make([]*filter.Filter, 0, len(a.filters))
	for _, f := range a.filters {
		live = append(live, f)
	}
	a.mu.Unlock()

	if d.FilterChanged {
		for _, f := range live {
			f.SetParams(d.NewParams)
		}
		slog.Info("app: segmentation parameters updated",
			"threshold", d.NewParams.Threshold,
			"silence_limit", d.NewParams.SilenceLimit,
			"max_frames", d.NewParams.MaxFrames,
			"live_streams", len(live),
		)
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level updated", "level", d.NewLogLevel)
	}
	if d.VocabularyChanged {
		a.corrector.SetVocabulary(next.Vocabulary)
		slog.Info("app: vocabulary updated", "terms", len(next.Vocabulary))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes require a restart", "sections", d.RestartRequired)
	}
	return d
}
