package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livecall/pkg/audio"
	"github.com/MrWong99/livecall/pkg/audio/capture"
	"github.com/MrWong99/livecall/pkg/audio/playback"
	"github.com/MrWong99/livecall/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProviderFactory builds a voice agent backend.
type ProviderFactory func(ProviderEntry) (s2s.Provider, error)

// InputFactory builds a capture device.
type InputFactory func(InputConfig) (capture.Device, error)

// OutputFactory builds a playback output. format is the PCM format the output
// will be fed: the configured output format when set, else the backend's.
type OutputFactory func(cfg OutputConfig, format audio.Format) (playback.Output, error)

// Registry maps backend and device names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
	inputs    map[string]InputFactory
	outputs   map[string]OutputFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ProviderFactory),
		inputs:    make(map[string]InputFactory),
		outputs:   make(map[string]OutputFactory),
	}
}

// RegisterProvider registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterInput registers a capture device factory under name.
func (r *Registry) RegisterInput(name string, factory InputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[name] = factory
}

// RegisterOutput registers a playback output factory under name.
func (r *Registry) RegisterOutput(name string, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateProvider instantiates the backend registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateProvider(entry ProviderEntry) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateInput instantiates the capture device registered under cfg.Device.
func (r *Registry) CreateInput(cfg InputConfig) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.inputs[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: input/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// CreateOutput instantiates the playback output registered under cfg.Device.
func (r *Registry) CreateOutput(cfg OutputConfig, format audio.Format) (playback.Output, error) {
	r.mu.RLock()
	factory, ok := r.outputs[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: output/%q", ErrProviderNotRegistered, cfg.Device)
	}
	return factory(cfg, format)
}

// Names returns the sorted registered names per kind, for startup logging.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[string][]string{
		"provider": keys(r.providers),
		"input":    keys(r.inputs),
		"output":   keys(r.outputs),
	}
	return out
}

func keys[V any](m map[string]V) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	slices.Sort(ks)
	return ks
}
