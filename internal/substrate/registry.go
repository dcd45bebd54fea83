package substrate

import (
	"fmt"
	"sort"
	"sync"

	"mactable/internal/config"
	"mactable/internal/logging"
)

// Env carries the collaborators a factory may hand to its substrate
type Env struct {
	Logger   logging.Logger
	Operator Operator
}

// Factory builds a substrate from configuration
type Factory func(cfg *config.Config, env Env) (Substrate, error)

// Registry maps substrate kinds to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[config.SubstrateKind]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[config.SubstrateKind]Factory),
	}
}

// Register adds a factory for kind
func (r *Registry) Register(kind config.SubstrateKind, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("substrate %s already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Build constructs the substrate selected by cfg.Substrate.Kind
func (r *Registry) Build(cfg *config.Config, env Env) (Substrate, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Substrate.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("substrate %q not available (have %v)", cfg.Substrate.Kind, r.Kinds())
	}
	if env.Logger == nil {
		env.Logger = logging.Noop()
	}

	s, err := f(cfg, env)
	if err != nil {
		return nil, fmt.Errorf("build substrate %s: %w", cfg.Substrate.Kind, err)
	}
	return s, nil
}

// Kinds lists the registered substrate kinds
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	return kinds
}
