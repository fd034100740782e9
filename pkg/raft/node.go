package raft

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/tasklock/pkg/codec"
	"github.com/pixperk/tasklock/pkg/fsm"
	"github.com/pixperk/tasklock/pkg/metrics"
	"github.com/pixperk/tasklock/pkg/storage"
	"github.com/pixperk/tasklock/pkg/types"
)

const defaultApplyTimeout = 5 * time.Second

// returned by Apply on a follower; carries the current leader address
var ErrNotLeader = errors.New("not the raft leader")

// wraps a raft inst with our fsm and provides a clean api
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	raftFSM   *fsm.RaftFSM
	storage   *storage.RaftStorage
	transport *raft.NetworkTransport
	cfg       *Config
}

type Config struct {
	NodeID       uuid.UUID     //unique ID for this node
	BindAddr     string        //net addr to bind Raft communication
	DataDir      string        //data directory for Raft storage
	Bootstrap    bool          //if this is the first node in the cluster
	ApplyTimeout time.Duration //how long a commit may wait for replication
	Logger       hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	logger := cfg.Logger.Named("raft")

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	raftStorage, err := storage.NewRaftStorage(cfg.DataDir, storage.RaftStorageOptions{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}
	//port 0 binds a random port, advertise whatever the listener got
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			logger.Warn("bootstrap failed", "error", err)
		}
	}

	return &Node{
		raft:      r,
		fsm:       raftFSM.GetFSM(),
		raftFSM:   raftFSM,
		storage:   raftStorage,
		transport: transport,
		cfg:       cfg,
	}, nil
}

// apply a command to the Raft cluster
// errors returned by the FSM come back unchanged so callers can match them
func (n *Node) Apply(cmd types.Command) (any, error) {
	if !n.IsLeader() {
		return nil, fmt.Errorf("%w: leader is at %q", ErrNotLeader, n.GetLeader())
	}

	data, err := codec.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// adds a voter to the cluster, only valid on the leader
func (n *Node) Join(nodeID, addr string) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w: leader is at %q", ErrNotLeader, n.GetLeader())
	}
	return n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0).Error()
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	leader := n.raft.State() == raft.Leader
	if leader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	return leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// returns the address other nodes reach this node's raft transport on
func (n *Node) Addr() string {
	return string(n.transport.LocalAddr())
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

func (n *Node) GetState() raft.RaftState {
	return n.raft.State()
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	err := n.raft.Shutdown().Error()
	if cerr := n.storage.Close(); err == nil {
		err = cerr
	}
	return err
}
