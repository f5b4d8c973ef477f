package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/pkg/provider/embeddings"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps adapter names to their constructor functions. The CLI
// registers its built-ins at startup and then instantiates whatever the
// config file selects. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
	sources    map[string]func(SourceConfig) (source.RecordSource, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
		sources:    make(map[string]func(SourceConfig) (source.RecordSource, error)),
	}
}

// RegisterEmbeddings registers an embeddings provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// RegisterSource registers a record-source adapter factory under name.
func (r *Registry) RegisterSource(name string, factory func(SourceConfig) (source.RecordSource, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name. Returns [ErrProviderNotRegistered] if no
// factory has been registered for that name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSource instantiates a record-source adapter using the factory
// registered under cfg.Name.
func (r *Registry) CreateSource(cfg SourceConfig) (source.RecordSource, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: source/%q", ErrProviderNotRegistered, cfg.Name)
	}
	return factory(cfg)
}
