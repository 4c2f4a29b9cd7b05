package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/canvas/internal/model"
)

// Info pairs a mode with the capabilities of its source.
type Info struct {
	Mode         model.Mode   `json:"mode"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds the registered sources keyed by backend mode.
type Registry struct {
	mu      sync.RWMutex
	sources map[model.Mode]Source
}

// NewRegistry creates an empty source registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[model.Mode]Source),
	}
}

// Register adds a source under the given mode, replacing any previous one.
func (r *Registry) Register(mode model.Mode, s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[mode] = s
}

// Resolve returns the source serving mode.
func (r *Registry) Resolve(mode model.Mode) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[mode]
	if !ok {
		return nil, fmt.Errorf("no status source registered for mode %q", mode)
	}
	return s, nil
}

// List returns information about all registered sources, sorted by mode
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.sources))
	for mode, s := range r.sources {
		infos = append(infos, Info{
			Mode:         mode,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Mode < infos[j].Mode
	})
	return infos
}
