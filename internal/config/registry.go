package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/vadscribe/pkg/audio"
	"github.com/MrWong99/vadscribe/pkg/provider/stt"
)

// ErrProviderNotRegistered is returned by the Create methods when no factory
// has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// EngineFactory builds a speech engine from its config entry.
type EngineFactory func(ProviderEntry) (stt.Engine, error)

// SourceFactory builds an audio source from its config entry.
type SourceFactory func(SourceConfig) (audio.Platform, error)

// Registry maps engine and source names to their constructors. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]EngineFactory
	sources map[string]SourceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]EngineFactory),
		sources: make(map[string]SourceFactory),
	}
}

// RegisterEngine registers an engine factory under name. A later call with
// the same name overwrites the earlier one.
func (r *Registry) RegisterEngine(name string, factory EngineFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = factory
}

// RegisterSource registers an audio source factory under name.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateEngine instantiates the engine registered under entry.Name.
func (r *Registry) CreateEngine(entry ProviderEntry) (stt.Engine, error) {
	r.mu.RLock()
	factory, ok := r.engines[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: engine/%q", ErrProviderNotRegistered, entry.Name)
	}
	e, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create engine %q: %w", entry.Name, err)
	}
	return e, nil
}

// CreateSource instantiates the audio source registered under src.Name.
func (r *Registry) CreateSource(src SourceConfig) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.sources[src.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, src.Name)
	}
	p, err := factory(src)
	if err != nil {
		return nil, fmt.Errorf("config: create source %q: %w", src.Name, err)
	}
	return p, nil
}

// Engines returns the registered engine names, sorted.
func (r *Registry) Engines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Sources returns the registered source names, sorted.
func (r *Registry) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for n := range r.sources {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
