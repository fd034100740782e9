package raft

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/tasklock/pkg/codec"
	"github.com/pixperk/tasklock/pkg/fsm"
	"github.com/pixperk/tasklock/pkg/store"
	"github.com/pixperk/tasklock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeader(t *testing.T, dataDir string) *Node {
	t.Helper()

	node, err := NewNode(&Config{
		NodeID:    uuid.New(),
		BindAddr:  "127.0.0.1:0", // 0 = pick random available port
		DataDir:   dataDir,
		Bootstrap: true, // First node in cluster
	})
	require.NoError(t, err, "failed to create node")

	require.NoError(t, node.WaitForLeader(5*time.Second), "no leader elected")
	require.Eventually(t, node.IsLeader, 5*time.Second, 50*time.Millisecond, "single node should be leader")
	return node
}

func lockEntity(owner string) *store.Entity {
	return codec.NewEntity(types.LockRecord{
		ResourceID:      "form1",
		TaskKind:        "upload",
		OwnerToken:      owner,
		ExpiresAtMillis: 1000,
	})
}

// TestSingleNodeSmoke tests commits through a single node cluster
func TestSingleNodeSmoke(t *testing.T) {
	node := newLeader(t, t.TempDir())
	defer node.Shutdown()

	e := lockEntity("A")
	e.Key = store.Key{Kind: codec.Kind, Partition: "form1/upload", ID: "id-1"}

	result, err := node.Apply(types.CommitCmd{
		Partition: "form1/upload",
		Mutations: []store.Mutation{{Op: store.OpPut, Key: e.Key, Entity: e, Checked: true}},
	})
	require.NoError(t, err, "failed to commit")

	resp, ok := result.(fsm.CommitResponse)
	require.True(t, ok, "expected CommitResponse")
	assert.Equal(t, 1, resp.Applied)

	// FSM errors come back unchanged
	_, err = node.Apply(types.CommitCmd{
		Mutations: []store.Mutation{{Op: store.OpPut, Key: e.Key, Entity: e, Checked: true}},
	})
	assert.ErrorIs(t, err, store.ErrConcurrentModification)

	stats := node.Stats()
	assert.Equal(t, 1, stats.Entities)
	assert.Equal(t, uint64(1), stats.Commits)
	assert.Equal(t, uint64(1), stats.Conflicts)
}

// TestReplicatedStore tests the transaction layer over the raft backend
func TestReplicatedStore(t *testing.T) {
	ctx := context.Background()
	node := newLeader(t, t.TempDir())
	defer node.Shutdown()

	s := store.New(NewBackend(node))

	txn, err := s.Begin(ctx, "form1/upload")
	require.NoError(t, err)
	_, err = txn.Put(ctx, lockEntity("A"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	got, err := store.QuerySingle(ctx, s, codec.LockQuery("form1", "upload"))
	require.NoError(t, err)
	require.NotNil(t, got)
	rec, err := codec.FromEntity(got)
	require.NoError(t, err)
	assert.Equal(t, "A", rec.OwnerToken)

	// two overwrites from the same read: the second loses
	t1, _ := s.Begin(ctx, "form1/upload")
	t2, _ := s.Begin(ctx, "form1/upload")
	e1, err := store.QuerySingle(ctx, t1, codec.LockQuery("form1", "upload"))
	require.NoError(t, err)
	e2, err := store.QuerySingle(ctx, t2, codec.LockQuery("form1", "upload"))
	require.NoError(t, err)
	_, err = t1.Put(ctx, e1)
	require.NoError(t, err)
	_, err = t2.Put(ctx, e2)
	require.NoError(t, err)

	require.NoError(t, t1.Commit(ctx))
	assert.ErrorIs(t, t2.Commit(ctx), store.ErrConcurrentModification)
}

// TestStatePersistence tests that committed entities survive a restart
func TestStatePersistence(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	nodeID := uuid.New()

	cfg := &Config{
		NodeID:    nodeID,
		BindAddr:  "127.0.0.1:0",
		DataDir:   dataDir,
		Bootstrap: true,
	}

	node1, err := NewNode(cfg)
	require.NoError(t, err, "failed to create node1")
	require.NoError(t, node1.WaitForLeader(5*time.Second))
	require.Eventually(t, node1.IsLeader, 5*time.Second, 50*time.Millisecond)

	s := store.New(NewBackend(node1))
	for i := 0; i < 3; i++ {
		txn, err := s.Begin(ctx, fmt.Sprintf("form%d/upload", i))
		require.NoError(t, err)
		_, err = txn.Put(ctx, codec.NewEntity(types.LockRecord{ResourceID: fmt.Sprintf("form%d", i), TaskKind: "upload", OwnerToken: "A"}))
		require.NoError(t, err)
		require.NoError(t, txn.Commit(ctx))
	}
	statsBefore := node1.Stats()
	assert.Equal(t, 3, statsBefore.Entities)

	addr := node1.Addr()
	require.NoError(t, node1.Shutdown(), "failed to shutdown node1")

	//restart on the same address and data dir without bootstrapping
	cfg.BindAddr = addr
	cfg.Bootstrap = false
	node2, err := NewNode(cfg)
	require.NoError(t, err, "failed to recreate node")
	defer node2.Shutdown()
	require.NoError(t, node2.WaitForLeader(5*time.Second))

	//the log is replayed into the fresh FSM
	require.Eventually(t, func() bool {
		return node2.Stats().Entities == statsBefore.Entities
	}, 5*time.Second, 50*time.Millisecond, "entities should persist after restart")
}

// TestMultiNodeCluster tests that commits replicate to followers and that
// followers refuse to commit
func TestMultiNodeCluster(t *testing.T) {
	ctx := context.Background()

	leader := newLeader(t, filepath.Join(t.TempDir(), "node0"))
	defer leader.Shutdown()

	followers := make([]*Node, 2)
	for i := range followers {
		node, err := NewNode(&Config{
			NodeID:   uuid.New(),
			BindAddr: "127.0.0.1:0",
			DataDir:  filepath.Join(t.TempDir(), fmt.Sprintf("node%d", i+1)),
		})
		require.NoError(t, err, "failed to create node %d", i+1)
		defer node.Shutdown()
		followers[i] = node

		require.NoError(t, leader.Join(node.GetNodeID().String(), node.Addr()), "failed to add node %d as voter", i+1)
	}

	s := store.New(NewBackend(leader))
	txn, err := s.Begin(ctx, "form1/upload")
	require.NoError(t, err)
	_, err = txn.Put(ctx, lockEntity("A"))
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	//all nodes should see the entity
	for i, node := range followers {
		node := node
		require.Eventually(t, func() bool {
			return node.Stats().Entities == 1
		}, 5*time.Second, 50*time.Millisecond, "node %d should have the entity", i+1)
	}

	fs := store.New(NewBackend(followers[0]))
	got, err := store.QuerySingle(ctx, fs, codec.LockQuery("form1", "upload"))
	require.NoError(t, err)
	require.NotNil(t, got, "followers serve reads")

	ftxn, err := fs.Begin(ctx, "form2/upload")
	require.NoError(t, err)
	_, err = ftxn.Put(ctx, lockEntity("B"))
	require.NoError(t, err)
	assert.ErrorIs(t, ftxn.Commit(ctx), ErrNotLeader)
	assert.Equal(t, leader.Addr(), followers[0].GetLeader())
}
