package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tasklock/pkg/clock"
	"github.com/pixperk/tasklock/pkg/metrics"
)

// DefaultTxnTimeout bounds how long a transaction stays usable after Begin.
const DefaultTxnTimeout = 30 * time.Second

type Option func(*txStore)

func WithTxnTimeout(d time.Duration) Option {
	return func(s *txStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *txStore) {
		s.clock = c
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(s *txStore) {
		s.logger = l
	}
}

// generates physical ids for new entities
func WithIDGenerator(gen func() string) Option {
	return func(s *txStore) {
		s.newID = gen
	}
}

type txStore struct {
	backend Backend
	timeout time.Duration
	clock   clock.Clock
	logger  hclog.Logger
	newID   func() string
}

// New wraps a backend with the transaction layer.
func New(backend Backend, opts ...Option) Store {
	s := &txStore{
		backend: backend,
		timeout: DefaultTxnTimeout,
		clock:   clock.System{},
		logger:  hclog.NewNullLogger(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("store").With("backend", backend.Name())
	return s
}

func (s *txStore) Begin(ctx context.Context, partition string) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &txn{
		store:     s,
		partition: partition,
		deadline:  s.clock.Now().Add(s.timeout),
		reads:     make(map[string]uint64),
		pending:   make(map[string]int),
	}, nil
}

func (s *txStore) Query(ctx context.Context, q Query) ([]*Entity, error) {
	return s.backend.Query(ctx, q)
}

func (s *txStore) Close() error {
	return s.backend.Close()
}

type txn struct {
	store     *txStore
	partition string
	deadline  time.Time

	mu      sync.Mutex
	done    bool
	reads   map[string]uint64 // entity id -> version seen by this txn
	muts    []Mutation
	pending map[string]int // entity id -> index in muts
}

func (t *txn) Partition() string {
	return t.partition
}

// must be called with t.mu held
func (t *txn) checkActive() error {
	if t.done {
		return ErrTransactionNotActive
	}
	if t.store.clock.Now().After(t.deadline) {
		return fmt.Errorf("%w: validity window of %s elapsed", ErrTransactionNotActive, t.store.timeout)
	}
	return nil
}

func (t *txn) Query(ctx context.Context, q Query) ([]*Entity, error) {
	t.mu.Lock()
	if err := t.checkActive(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	entities, err := t.store.backend.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entities {
		if _, seen := t.reads[e.Key.ID]; !seen {
			t.reads[e.Key.ID] = e.Version
		}
	}
	return entities, nil
}

func (t *txn) Put(ctx context.Context, e *Entity) (Key, error) {
	if e == nil || e.Key.Kind == "" {
		return Key{}, fmt.Errorf("%w: entity kind is required", ErrInvalidEntity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return Key{}, err
	}

	m := Mutation{Op: OpPut, Checked: true}
	if e.Key.Incomplete() {
		e.Key.ID = t.store.newID()
		e.Key.Partition = t.partition
		e.Version = 0
	}
	m.Key = e.Key
	m.ExpectVersion = e.Version
	m.Entity = e.Clone()

	t.buffer(m)
	return e.Key, nil
}

func (t *txn) Delete(ctx context.Context, key Key) error {
	if key.Incomplete() {
		return fmt.Errorf("%w: cannot delete an incomplete key", ErrInvalidEntity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkActive(); err != nil {
		return err
	}

	m := Mutation{Op: OpDelete, Key: key}
	if v, ok := t.reads[key.ID]; ok {
		m.Checked = true
		m.ExpectVersion = v
	}

	t.buffer(m)
	return nil
}

// a later write to the same entity replaces the earlier one but keeps the
// first version expectation
func (t *txn) buffer(m Mutation) {
	if i, ok := t.pending[m.Key.ID]; ok {
		prev := t.muts[i]
		m.Checked, m.ExpectVersion = prev.Checked, prev.ExpectVersion
		t.muts[i] = m
		return
	}
	t.pending[m.Key.ID] = len(t.muts)
	t.muts = append(t.muts, m)
}

func (t *txn) Commit(ctx context.Context) error {
	t.mu.Lock()
	if err := t.checkActive(); err != nil {
		t.done = true
		t.mu.Unlock()
		metrics.StoreCommitTotal.WithLabelValues(t.store.backend.Name(), metrics.ResultFailure).Inc()
		return err
	}
	t.done = true
	muts := t.muts
	t.mu.Unlock()

	if len(muts) == 0 {
		return nil
	}

	start := time.Now()
	err := t.store.backend.Apply(ctx, t.partition, muts)
	metrics.StoreCommitDuration.WithLabelValues(t.store.backend.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StoreCommitTotal.WithLabelValues(t.store.backend.Name(), metrics.ResultFailure).Inc()
		t.store.logger.Debug("commit failed", "partition", t.partition, "mutations", len(muts), "error", err)
		return err
	}

	metrics.StoreCommitTotal.WithLabelValues(t.store.backend.Name(), metrics.ResultSuccess).Inc()
	t.store.logger.Trace("committed", "partition", t.partition, "mutations", len(muts))
	return nil
}

// rolling back a finished transaction is a no-op
func (t *txn) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.muts = nil
	return nil
}
