// Package llm selects model providers by name and invokes them with uniform
// timeout and retry handling.
package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zatekoja/clinicalvalidation/internal/domain/providers"
)

// Registry maps provider identifiers to adapters
type Registry struct {
	mu        sync.RWMutex
	providers map[string]providers.LLMProvider
}

// NewRegistry creates a registry holding the given providers
func NewRegistry(ps ...providers.LLMProvider) *Registry {
	r := &Registry{providers: make(map[string]providers.LLMProvider)}
	for _, p := range ps {
		r.Register(p)
	}
	return r
}

// Register adds or replaces a provider under its Name
func (r *Registry) Register(p providers.LLMProvider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

// Get looks a provider up by identifier
func (r *Registry) Get(name string) (providers.LLMProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names lists registered identifiers in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve turns an ordered list of identifiers into providers. Unregistered
// names are reported in missing; an empty chain is an error.
func (r *Registry) Resolve(names []string) (chain []providers.LLMProvider, missing []string, err error) {
	seen := make(map[string]bool)
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		if p, ok := r.Get(key); ok {
			chain = append(chain, p)
		} else {
			missing = append(missing, key)
		}
	}
	if len(chain) == 0 {
		return nil, missing, fmt.Errorf("no llm provider configured for %v (registered: %v)", names, r.Names())
	}
	return chain, missing, nil
}
