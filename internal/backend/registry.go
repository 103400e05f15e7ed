package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/probe/internal/model"
)

// BackendInfo pairs an engine kind with its adapter's capabilities.
type BackendInfo struct {
	Kind         model.EngineKind `json:"kind"`
	Capabilities Capabilities     `json:"capabilities"`
}

// Registry holds one adapter per engine kind.
type Registry struct {
	mu       sync.RWMutex
	backends map[model.EngineKind]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[model.EngineKind]Backend),
	}
}

// Register adds an adapter under the given engine kind, replacing any
// previous registration.
func (r *Registry) Register(kind model.EngineKind, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = b
}

// Resolve returns the adapter registered for kind.
func (r *Registry) Resolve(kind model.EngineKind) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", kind)
	}
	return b, nil
}

// Kinds returns the registered engine kinds, sorted.
func (r *Registry) Kinds() []model.EngineKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]model.EngineKind, 0, len(r.backends))
	for k := range r.backends {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// List returns information about all registered adapters, sorted by kind
// for a stable API response.
func (r *Registry) List() []BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]BackendInfo, 0, len(r.backends))
	for kind, b := range r.backends {
		infos = append(infos, BackendInfo{
			Kind:         kind,
			Capabilities: b.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Kind < infos[j].Kind
	})
	return infos
}
