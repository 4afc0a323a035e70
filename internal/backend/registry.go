package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Well-known backend names.
const (
	NameLocal   = "local"
	NameProcess = "process"
	NameDefault = "default"
)

// Info pairs a backend name with its registration.
type Info struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

// Registry holds registered backends and resolves which one manages a given
// work. Works that do not name a backend get the registry default.
type Registry struct {
	mu          sync.RWMutex
	backends    map[string]Backend
	defaultName string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend to the registry under the given name. The first
// registered backend becomes the default until SetDefault overrides it.
func (r *Registry) Register(name string, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = b
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// SetDefault marks the named backend as the one used by works that do not
// request a backend explicitly.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultName = name
}

// Resolve returns the backend registered under name, or the default backend
// when name is empty or "default". Returns an error if nothing matches.
func (r *Registry) Resolve(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := name
	if target == "" || target == NameDefault {
		target = r.defaultName
	}
	if target == "" {
		return nil, fmt.Errorf("no backends registered")
	}

	b, ok := r.backends[target]
	if !ok {
		return nil, fmt.Errorf("backend %q is not registered", target)
	}
	return b, nil
}

// List returns information about all registered backends, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for name := range r.backends {
		infos = append(infos, Info{
			Name:    name,
			Default: name == r.defaultName,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
