package storage

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	raftDBFile        = "raft.db"
	raftSnapshotDir   = "snapshots"
	defaultSnapRetain = 3
)

// RaftStorage wraps Raft's BoltDB storage components
// logstore : stores the Raft log entries
// stablestore : stores stable Raft metadata [stable = survives restarts]
// snapshotstore : stores snapshots of FSM state
type RaftStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

type RaftStorageOptions struct {
	// snapshots kept on disk, defaults to 3
	SnapshotRetain int
	Logger         hclog.Logger
}

func NewRaftStorage(dataDir string, opts RaftStorageOptions) (*RaftStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	if opts.SnapshotRetain <= 0 {
		opts.SnapshotRetain = defaultSnapRetain
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	//boltDB is used for both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(dataDir, raftDBFile),
	})
	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotStore, err := raft.NewFileSnapshotStoreWithLogger(
		filepath.Join(dataDir, raftSnapshotDir),
		opts.SnapshotRetain,
		opts.Logger.Named("snapshot"),
	)
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &RaftStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshotStore,
		db:            boltDB,
	}, nil
}

func (r *RaftStorage) Close() error {
	return r.db.Close()
}
