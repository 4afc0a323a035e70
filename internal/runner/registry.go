package runner

import "sync"

// Registry maps work names to the runnables their execution contexts serve.
// The embedding program registers its runnables before any work is started.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]RunFunc
}

// NewRegistry creates an empty runnable registry.
func NewRegistry() *Registry {
	return &Registry{
		fns: make(map[string]RunFunc),
	}
}

// Register binds a runnable to a work name. Re-registering replaces the
// previous binding.
func (r *Registry) Register(workName string, fn RunFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[workName] = fn
}

// Lookup returns the runnable bound to a work name.
func (r *Registry) Lookup(workName string) (RunFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[workName]
	return fn, ok
}
