package raft

import (
	"context"

	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
)

// serves a raft node as a store backend
// commits are replicated log entries; queries read this node's FSM, so reads
// on a follower may lag the leader
type Backend struct {
	node *Node
}

func NewBackend(node *Node) *Backend {
	return &Backend{node: node}
}

func (b *Backend) Name() string { return "raft" }

func (b *Backend) Query(ctx context.Context, q store.Query) ([]*store.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.node.fsm.Query(q), nil
}

func (b *Backend) Apply(ctx context.Context, partition string, muts []store.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.node.Apply(types.CommitCmd{Partition: partition, Mutations: muts})
	return err
}

// the node is shut down by its owner
func (b *Backend) Close() error {
	return nil
}
