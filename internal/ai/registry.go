package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownProvider is returned for an AI_PROVIDER nobody registered.
var ErrUnknownProvider = errors.New("unknown ai provider")

// ProviderFactory builds a provider for the given model. It may refuse, for
// instance when a credential is missing.
type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps AI_PROVIDER values to factories. Names are matched without
// regard to case or surrounding space.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeName(name)] = f
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build resolves name and constructs its provider for model.
func (r *Registry) Build(ctx context.Context, name, model string) (Provider, error) {
	key := normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (have %s)", ErrUnknownProvider, key, strings.Join(r.Names(), ", "))
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("ai provider %s: model is required", key)
	}
	p, err := f(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("ai provider %s: %w", key, err)
	}
	return p, nil
}
