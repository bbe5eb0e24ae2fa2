package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry maps provider names to factories and caches built providers per
// (name, model), so repeated story generations reuse one client.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	built     map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		built:     make(map[string]Provider),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalize(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	for k := range r.built {
		if strings.HasPrefix(k, name+"|") {
			delete(r.built, k)
		}
	}
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalize(name)
	key := name + "|" + strings.TrimSpace(model)

	r.mu.RLock()
	p, ok := r.built[key]
	f, known := r.factories[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if !known {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}

	p, err := f(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("build ai provider %s: %w", name, err)
	}

	r.mu.Lock()
	r.built[key] = p
	r.mu.Unlock()
	return p, nil
}

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
