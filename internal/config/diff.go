package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/vadscribe/internal/segment"
)

// ConfigDiff describes what changed between two configs. Changes outside
// the hot-reloadable sections are listed in RestartRequired.
type ConfigDiff struct {
	// FilterChanged is set when the segmentation parameters differ.
	// NewParams holds the parameters to apply.
	FilterChanged bool
	NewParams     segment.Params

	// EngineChanged is set when the primary engine, a fallback or the
	// breaker settings differ. The engine must be rebuilt.
	EngineChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	VocabularyChanged bool

	// RestartRequired names changed sections that only take effect on
	// restart (e.g. "source", "server.listen_addr").
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.FilterChanged || d.EngineChanged || d.LogLevelChanged ||
		d.VocabularyChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if op, np := old.Filter.Params(), new.Filter.Params(); op != np {
		d.FilterChanged = true
		d.NewParams = np
	}

	if !reflect.DeepEqual(old.Engine, new.Engine) ||
		!reflect.DeepEqual(old.Fallbacks, new.Fallbacks) ||
		old.Breaker != new.Breaker {
		d.EngineChanged = true
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Vocabulary, new.Vocabulary) {
		d.VocabularyChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Filter.SampleRate != new.Filter.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "filter.sample_rate")
	}
	if old.Dispatch != new.Dispatch {
		d.RestartRequired = append(d.RestartRequired, "dispatch")
	}
	if !reflect.DeepEqual(old.Source, new.Source) {
		d.RestartRequired = append(d.RestartRequired, "source")
	}
	if !slices.Equal(old.Events.Sinks, new.Events.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "events")
	}

	return d
}
