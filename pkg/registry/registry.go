// Package registry resolves task kind names to their lease settings.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pixperk/tasklock/pkg/types"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]types.TaskKind
}

func New(kinds ...types.TaskKind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]types.TaskKind, len(kinds))}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a task kind.
func (r *Registry) Register(k types.TaskKind) error {
	if err := k.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k.Name] = k
	return nil
}

func (r *Registry) Lookup(name string) (types.TaskKind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return types.TaskKind{}, fmt.Errorf("%w: %q", types.ErrUnknownTaskKind, name)
	}
	return k, nil
}

// returns every registered kind ordered by name
func (r *Registry) All() []types.TaskKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.TaskKind, 0, len(r.kinds))
	for _, k := range r.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
