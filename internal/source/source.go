package source

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kjstillabower/weather-pipeline/internal/models"
)

// Adapter fetches raw weather data from one upstream source. Implementations
// own their transport and HTTP error classification; payload parsing belongs
// to the Normalizer. Fetch must respect ctx cancellation and classify
// failures onto the package error taxonomy so callers can decide retry vs.
// give-up without inspecting adapter internals.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, q models.Query) (models.RawPayload, error)
}

// Registry is the source id -> Adapter lookup table built at startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name. Registering the same name
// twice is a configuration error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter has empty name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all registered source ids in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered adapters in name order.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}
