package storage

import (
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaftStorage(t *testing.T, dir string) *RaftStorage {
	t.Helper()
	stores, err := NewRaftStorage(dir, RaftStorageOptions{SnapshotRetain: 2})
	require.NoError(t, err)
	return stores
}

func TestRaftStorageLogAndStable(t *testing.T) {
	stores := openRaftStorage(t, t.TempDir())
	defer stores.Close()

	require.NoError(t, stores.LogStore.StoreLogs([]*raft.Log{
		{Index: 1, Term: 1, Type: raft.LogCommand, Data: []byte("commit-1")},
		{Index: 2, Term: 1, Type: raft.LogCommand, Data: []byte("commit-2")},
	}))

	var got raft.Log
	require.NoError(t, stores.LogStore.GetLog(2, &got))
	assert.Equal(t, []byte("commit-2"), got.Data)

	last, err := stores.LogStore.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	require.NoError(t, stores.StableStore.SetUint64([]byte("CurrentTerm"), 5))
	term, err := stores.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
}

func TestRaftStorageSnapshots(t *testing.T) {
	stores := openRaftStorage(t, t.TempDir())
	defer stores.Close()

	sink, err := stores.SnapshotStore.Create(
		raft.SnapshotVersionMax,
		100, // last included index
		1,   // last included term
		raft.Configuration{},
		1,   // configuration index
		nil, // transport
	)
	require.NoError(t, err)

	_, err = sink.Write([]byte(`{"entities":[],"commits":0,"conflicts":0}`))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(100), snapshots[0].Index)
	assert.Equal(t, uint64(1), snapshots[0].Term)
}

func TestRaftStorageSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	first := openRaftStorage(t, dir)
	require.NoError(t, first.StableStore.SetUint64([]byte("CurrentTerm"), 42))
	require.NoError(t, first.Close())

	second := openRaftStorage(t, dir)
	defer second.Close()

	term, err := second.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}
