package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registration is the named-capability-set spec §9 calls for: a provider
// name mapped to a constructor, its credential environment variable key,
// and its default model.
type Registration struct {
	Name          string
	CredentialKey string
	DefaultModel  string
	// New constructs an Adapter for this provider given a credential and
	// a model override (empty uses DefaultModel).
	New func(credential, model string) (Adapter, error)
}

// Registry is a thread-safe provider name -> Registration lookup.
type Registry struct {
	mu            sync.RWMutex
	registrations map[string]Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{registrations: make(map[string]Registration)}
}

// Register adds or replaces a Registration under its Name.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations[reg.Name] = reg
}

// Get retrieves a Registration by provider name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[name]
	return reg, ok
}

// List returns the sorted names of all registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build looks up name's Registration and constructs an Adapter, resolving
// credential and model from the given values (model falls back to
// DefaultModel when empty).
func (r *Registry) Build(name, credential, model string) (Adapter, error) {
	reg, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("provider: %q is not registered", name)
	}
	if model == "" {
		model = reg.DefaultModel
	}
	return reg.New(credential, model)
}
