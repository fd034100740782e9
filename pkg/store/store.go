// Package store defines the transactional entity store the lock manager runs
// on. A Store hands out partition-scoped optimistic transactions over a
// Backend; backends only need to answer equality queries and apply a batch of
// version-checked mutations atomically.
package store

import (
	"context"
	"errors"
)

var (
	// ErrTransactionNotActive is returned when a transaction is used after it
	// finished or after its validity window elapsed.
	ErrTransactionNotActive = errors.New("transaction is no longer active")

	// ErrConcurrentModification is returned by a commit whose version checks
	// failed because another writer changed an entity first.
	ErrConcurrentModification = errors.New("entity was modified concurrently")

	// ErrTooManyResults is returned by QuerySingle when more than one entity
	// matches.
	ErrTooManyResults = errors.New("query matched more than one entity")

	ErrInvalidEntity = errors.New("invalid entity")
)

// Key is the physical identity of an entity. ID is generated by the store on
// the first Put and carries no meaning for callers.
type Key struct {
	Kind      string `json:"kind"`
	Partition string `json:"partition"`
	ID        string `json:"id"`
}

func (k Key) String() string {
	return k.Kind + "/" + k.Partition + "/" + k.ID
}

func (k Key) Incomplete() bool {
	return k.ID == ""
}

// Entity is a stored document: equality-indexed string properties plus an
// opaque payload. Version is 0 until the entity is first committed and grows by
// one on every committed write.
//
// Seq is stamped by the backend when the entity is first inserted and never
// changes afterwards. Within a kind, an entity committed later always carries
// a larger Seq, so it orders inserts that raced past each other.
type Entity struct {
	Key     Key               `json:"key"`
	Version uint64            `json:"version"`
	Seq     uint64            `json:"seq"`
	Index   map[string]string `json:"index,omitempty"`
	Data    []byte            `json:"data,omitempty"`
}

func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := &Entity{Key: e.Key, Version: e.Version, Seq: e.Seq}
	if e.Index != nil {
		c.Index = make(map[string]string, len(e.Index))
		for k, v := range e.Index {
			c.Index[k] = v
		}
	}
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return c
}

type Filter struct {
	Property string
	Value    string
}

// Query selects entities of one kind whose indexed properties equal every
// filter value.
type Query struct {
	Kind    string
	Filters []Filter
}

func NewQuery(kind string) Query {
	return Query{Kind: kind}
}

// Eq returns a copy of q with an extra equality filter.
func (q Query) Eq(property, value string) Query {
	filters := make([]Filter, 0, len(q.Filters)+1)
	filters = append(filters, q.Filters...)
	filters = append(filters, Filter{Property: property, Value: value})
	return Query{Kind: q.Kind, Filters: filters}
}

func (q Query) Matches(e *Entity) bool {
	if e == nil || e.Key.Kind != q.Kind {
		return false
	}
	for _, f := range q.Filters {
		v, ok := e.Index[f.Property]
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

type Op uint8

const (
	OpPut Op = iota + 1
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one buffered write of a transaction. When Checked is set the
// backend must reject the whole batch with ErrConcurrentModification unless the
// entity's current version equals ExpectVersion (0 meaning "must not exist").
type Mutation struct {
	Op            Op      `json:"op"`
	Key           Key     `json:"key"`
	Entity        *Entity `json:"entity,omitempty"`
	Checked       bool    `json:"checked"`
	ExpectVersion uint64  `json:"expect_version"`
}

// CheckVersion validates m against the entity's current version. Backends call
// it for every mutation before applying any of them.
func CheckVersion(m Mutation, current uint64) error {
	if !m.Checked || current == m.ExpectVersion {
		return nil
	}
	return ErrConcurrentModification
}

// Backend is the storage engine behind a Store.
type Backend interface {
	Name() string
	// Query reads committed state.
	Query(ctx context.Context, q Query) ([]*Entity, error)
	// Apply atomically applies muts or none of them. Put mutations carry the
	// entity to write; the backend assigns the new version.
	Apply(ctx context.Context, partition string, muts []Mutation) error
	Close() error
}

type Querier interface {
	Query(ctx context.Context, q Query) ([]*Entity, error)
}

type Store interface {
	Querier
	Begin(ctx context.Context, partition string) (Txn, error)
	Close() error
}

// Txn is a partition-scoped optimistic transaction. Reads see committed state
// and remember the versions they saw; writes are buffered until Commit.
type Txn interface {
	Querier
	Partition() string
	Put(ctx context.Context, e *Entity) (Key, error)
	Delete(ctx context.Context, key Key) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Earliest returns the entity inserted first, nil for none.
func Earliest(entities []*Entity) *Entity {
	var first *Entity
	for _, e := range entities {
		if first == nil || e.Seq < first.Seq || (e.Seq == first.Seq && e.Key.ID < first.Key.ID) {
			first = e
		}
	}
	return first
}

// QuerySingle returns the only entity matching q, nil if there is none, and
// ErrTooManyResults if there are several.
func QuerySingle(ctx context.Context, r Querier, q Query) (*Entity, error) {
	entities, err := r.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	switch len(entities) {
	case 0:
		return nil, nil
	case 1:
		return entities[0], nil
	default:
		return nil, ErrTooManyResults
	}
}
