package fsm

import (
	"context"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
)

// serves an FSM directly as a store backend, without replication
// used for single-process deployments and tests
type Local struct {
	fsm *FSM
}

func NewLocal() *Local {
	return &Local{fsm: NewFSM()}
}

func (l *Local) Name() string { return "memory" }

func (l *Local) Query(ctx context.Context, q store.Query) ([]*store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.fsm.Query(q), nil
}

func (l *Local) Apply(ctx context.Context, partition string, muts []store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := l.fsm.Apply(types.CommitCmd{Partition: partition, Mutations: muts})
	return err
}

func (l *Local) Close() error { return nil }

// returns the underlying state machine
func (l *Local) FSM() *FSM {
	return l.fsm
}
