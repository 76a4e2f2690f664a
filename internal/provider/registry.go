// internal/provider/registry.go
package provider

import (
	"fmt"
	"sort"
	"sync"

	"billing-service/internal/domain/billing"
	xerrors "billing-service/internal/pkg/errors"
)

// Factory builds an adapter. It returns xerrors.ErrNotConfigured when credentials are missing.
type Factory func() (Adapter, error)

// Registry constructs each adapter lazily, once per process.
type Registry struct {
	mu      sync.Mutex
	entries map[billing.Provider]*entry
}

type entry struct {
	once    sync.Once
	factory Factory
	adapter Adapter
	err     error
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[billing.Provider]*entry)}
}

// Register binds a factory to a provider. Registering twice replaces the factory.
func (r *Registry) Register(p billing.Provider, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p] = &entry{factory: f}
}

// Get returns the adapter for p, building it on first use.
func (r *Registry) Get(p billing.Provider) (Adapter, error) {
	r.mu.Lock()
	e, ok := r.entries[p]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", p, xerrors.ErrNotConfigured)
	}

	e.once.Do(func() {
		e.adapter, e.err = e.factory()
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.adapter, nil
}

// Providers lists registered provider names.
func (r *Registry) Providers() []billing.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]billing.Provider, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
