package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/stepflow/pkg/api"
)

// Registry maps step refs to their handlers. It is built at startup and
// injected into the Engine; reads are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]api.StepHandler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]api.StepHandler),
	}
}

// Register binds ref to h. Each ref can be bound once.
func (r *Registry) Register(ref string, h api.StepHandler) error {
	if ref == "" {
		return fmt.Errorf("register handler: empty ref")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", ref)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[ref]; exists {
		return fmt.Errorf("%w: %q", api.ErrDuplicateRef, ref)
	}
	r.handlers[ref] = h
	return nil
}

// MustRegister is Register for bootstrap code; it panics on error.
func (r *Registry) MustRegister(ref string, h api.StepHandler) {
	if err := r.Register(ref, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(ref string) (api.StepHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrHandlerNotFound, ref)
	}
	return h, nil
}

func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[ref]
	return ok
}

// Refs returns the registered refs in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
