package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

var (
	factoryMu sync.RWMutex
	factories = make(map[string]Factory)
)

// RegisterFactory installs a named adapter factory. Called from adapter
// package init; duplicate names are a programmer error.
func RegisterFactory(transport Transport, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[string(transport)]; dup {
		panic(fmt.Sprintf("agent: factory %q registered twice", transport))
	}
	factories[string(transport)] = f
}

func factoryFor(transport Transport) (Factory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factories[string(transport)]
	return f, ok
}

// Transports returns the registered factory names sorted.
func Transports() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry owns the live adapters. Selection is strictly by adapter id;
// the descriptor's kind is carried for reporting only.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	healthTTL time.Duration
	health    *ristretto.Cache[string, Health]
}

// NewRegistry creates an empty registry. healthTTL bounds how long a health
// probe result is served from cache; zero disables caching.
func NewRegistry(healthTTL time.Duration) (*Registry, error) {
	r := &Registry{
		adapters:  make(map[string]Adapter),
		healthTTL: healthTTL,
	}
	if healthTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, Health]{
			NumCounters: 1 << 10,
			MaxCost:     1 << 16,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("registry: health cache: %w", err)
		}
		r.health = cache
	}
	return r, nil
}

// Load builds and registers adapters for every enabled descriptor.
func (r *Registry) Load(descriptors []Descriptor) error {
	for _, d := range descriptors {
		if !d.Enabled {
			continue
		}
		if err := r.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// Add validates a descriptor, builds its adapter, and registers it.
func (r *Registry) Add(d Descriptor) error {
	if err := validateDescriptor(d); err != nil {
		return err
	}
	f, ok := factoryFor(d.Transport)
	if !ok {
		return fmt.Errorf("registry: no factory for transport %q (have %v)", d.Transport, Transports())
	}
	a, err := f(d)
	if err != nil {
		return fmt.Errorf("registry: build adapter %q: %w", d.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[d.ID]; dup {
		return fmt.Errorf("registry: adapter %q already registered", d.ID)
	}
	r.adapters[d.ID] = a
	return nil
}

func validateDescriptor(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("registry: descriptor id is required")
	}
	if d.Command == "" && d.Loading == LoadingBuiltin {
		return fmt.Errorf("registry: adapter %q: command is required", d.ID)
	}
	switch d.Transport {
	case TransportLineJSON, TransportRolloutJournal:
	default:
		return fmt.Errorf("registry: adapter %q: unknown transport %q", d.ID, d.Transport)
	}
	switch d.Loading {
	case "", LoadingBuiltin, LoadingPluginEntry, LoadingModuleClass:
	default:
		return fmt.Errorf("registry: adapter %q: unknown loading strategy %q", d.ID, d.Loading)
	}
	if d.Transport == TransportRolloutJournal && d.JournalRoot == "" {
		return fmt.Errorf("registry: adapter %q: journal_root is required for rollout transport", d.ID)
	}
	return nil
}

// Get returns the adapter by id.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("registry: unknown adapter %q", id)
	}
	return a, nil
}

// IDs returns all registered adapter ids sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Describe returns the descriptors of all registered adapters sorted by id.
func (r *Registry) Describe() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthCheck probes one adapter, serving cached results within the TTL.
// Deep checks bypass the cache.
func (r *Registry) HealthCheck(ctx context.Context, id string, deep bool) (Health, error) {
	a, err := r.Get(id)
	if err != nil {
		return Health{}, err
	}
	if r.health != nil && !deep {
		if h, ok := r.health.Get(id); ok {
			return h, nil
		}
	}
	h := a.HealthCheck(ctx, deep)
	if r.health != nil && !deep {
		r.health.SetWithTTL(id, h, 1, r.healthTTL)
	}
	return h, nil
}

// HealthAll probes every adapter and returns results keyed by id.
func (r *Registry) HealthAll(ctx context.Context, deep bool) map[string]Health {
	out := make(map[string]Health)
	for _, id := range r.IDs() {
		h, err := r.HealthCheck(ctx, id, deep)
		if err != nil {
			h = Health{Healthy: false, Detail: err.Error(), CheckedAt: time.Now().UTC()}
		}
		out[id] = h
	}
	return out
}

// Shutdown stops all adapters. Errors are joined per adapter id.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]Adapter)
	r.mu.Unlock()

	var firstErr error
	for id, a := range adapters {
		if err := a.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("registry: shutdown %q: %w", id, err)
		}
	}
	if r.health != nil {
		r.health.Close()
	}
	return firstErr
}
