// Package registry maps source keys to lazily constructed adapters.
package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/JakeFAU/parcel-ingest/internal/adapter"
	"github.com/JakeFAU/parcel-ingest/internal/parcel"
)

// Factory builds the adapter for one source.
type Factory func(ctx context.Context) (adapter.Adapter, error)

type entry struct {
	cfg     parcel.SourceConfig
	factory Factory

	once     sync.Once
	instance adapter.Adapter
	err      error
}

// Registry holds one adapter instance per source key, created on first use.
type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	defaultKey string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Register adds a source. The first registered source becomes the default.
func (r *Registry) Register(cfg parcel.SourceConfig, factory Factory) error {
	if cfg.Key == "" {
		return eris.New("source key is required")
	}
	if factory == nil {
		return eris.Errorf("source %s: factory is required", cfg.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.Key]; exists {
		return eris.Errorf("source %s already registered", cfg.Key)
	}
	r.entries[cfg.Key] = &entry{cfg: cfg, factory: factory}
	if r.defaultKey == "" {
		r.defaultKey = cfg.Key
	}
	return nil
}

// SetDefault chooses the source used when a request names none.
func (r *Registry) SetDefault(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return unknown(key)
	}
	r.defaultKey = key
	return nil
}

// DefaultKey returns the default source key, or "" when nothing is registered.
func (r *Registry) DefaultKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultKey
}

// Get returns the adapter for key, constructing it on first use. An empty
// key selects the default source. Unknown keys fail with NOT_FOUND.
func (r *Registry) Get(ctx context.Context, key string) (adapter.Adapter, error) {
	r.mu.RLock()
	if key == "" {
		key = r.defaultKey
	}
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, unknown(key)
	}
	e.once.Do(func() {
		e.instance, e.err = e.factory(ctx)
		if e.err != nil {
			e.err = eris.Wrapf(e.err, "construct adapter %s", key)
		}
	})
	return e.instance, e.err
}

// Source returns the registered config for key.
func (r *Registry) Source(key string) (parcel.SourceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	if !ok {
		return parcel.SourceConfig{}, false
	}
	return e.cfg, true
}

// Sources lists every registered source ordered by key. No adapter is built.
func (r *Registry) Sources() []parcel.SourceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]parcel.SourceConfig, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.cfg)
	}
	slices.SortFunc(out, func(a, b parcel.SourceConfig) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out
}

func unknown(key string) error {
	if key == "" {
		return parcel.NewError(parcel.CodeNotFound, "registry", "no sources registered")
	}
	return parcel.NewError(parcel.CodeNotFound, "registry", "unknown source "+key).WithDebug("source", key)
}
