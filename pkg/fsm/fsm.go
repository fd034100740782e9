package fsm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
)

// manages the replicated entity state
// critical :
// - a commit applies all of its mutations or none of them
// - every committed write bumps the entity version by exactly one
// - every inserted entity gets a seq larger than any before it
// - apply must be deterministic, it runs on every replica
type FSM struct {
	mu sync.RWMutex

	entities map[string]*store.Entity // entity id -> entity
	seq      uint64                   // last insert sequence handed out

	commits   uint64 // commits applied
	conflicts uint64 // commits rejected by version checks
}

func NewFSM() *FSM {
	return &FSM{
		entities: make(map[string]*store.Entity),
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.CommitCmd:
		return f.applyCommit(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a commit is applied
type CommitResponse struct {
	Applied int
}

func (f *FSM) applyCommit(cmd types.CommitCmd) (any, error) {
	//validate everything before touching state
	for _, m := range cmd.Mutations {
		if m.Key.ID == "" {
			return nil, store.ErrInvalidEntity
		}
		if m.Op == store.OpPut && m.Entity == nil {
			return nil, fmt.Errorf("%w: put of %s without entity", store.ErrInvalidEntity, m.Key)
		}

		var current uint64
		if e, ok := f.entities[m.Key.ID]; ok {
			current = e.Version
		}
		if err := store.CheckVersion(m, current); err != nil {
			f.conflicts++
			return nil, fmt.Errorf("%w: %s at version %d, expected %d", err, m.Key, current, m.ExpectVersion)
		}
	}

	for _, m := range cmd.Mutations {
		switch m.Op {
		case store.OpPut:
			e := m.Entity.Clone()
			e.Key = m.Key
			if old, ok := f.entities[m.Key.ID]; ok {
				e.Version = old.Version + 1
				e.Seq = old.Seq
			} else {
				f.seq++
				e.Version = 1
				e.Seq = f.seq
			}
			f.entities[m.Key.ID] = e
		case store.OpDelete:
			delete(f.entities, m.Key.ID)
		}
	}
	f.commits++

	return CommitResponse{Applied: len(cmd.Mutations)}, nil
}

// returns committed entities matching q, ordered by id
func (f *FSM) Query(q store.Query) []*store.Entity {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []*store.Entity
	for _, e := range f.entities {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.ID < out[j].Key.ID })
	return out
}

// returns an entity by id
func (f *FSM) GetEntity(id string) (*store.Entity, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, exists := f.entities[id]
	return e.Clone(), exists
}

// current fsm stats
type Stats struct {
	Entities  int
	Commits   uint64
	Conflicts uint64
	Seq       uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return Stats{
		Entities:  len(f.entities),
		Commits:   f.commits,
		Conflicts: f.conflicts,
		Seq:       f.seq,
	}
}
