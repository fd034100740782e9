package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/tasklock/pkg/codec"
	"github.com/pixperk/tasklock/pkg/metrics"
	"github.com/pixperk/tasklock/pkg/store"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// returns the state machine behind the adapter, for local reads
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

// returns the FSM result on success and the error otherwise
// the leader hands it back to the proposer through ApplyFuture.Response
func (rf *RaftFSM) Apply(log *raft.Log) any {
	defer metrics.RaftAppliedIndex.Set(float64(log.Index))

	//s1 : decode command from log bytes
	cmd, err := codec.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply command to FSM
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Entities:  make([]*store.Entity, 0, len(rf.fsm.entities)),
		Commits:   rf.fsm.commits,
		Conflicts: rf.fsm.conflicts,
		Seq:       rf.fsm.seq,
	}

	//deep copy entities
	for _, e := range rf.fsm.entities {
		snapshot.Entities = append(snapshot.Entities, e.Clone())
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	entities := make(map[string]*store.Entity, len(snap.Entities))
	seq := snap.Seq
	for _, e := range snap.Entities {
		entities[e.Key.ID] = e
		//never hand out a seq already in use
		if e.Seq > seq {
			seq = e.Seq
		}
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.entities = entities
	rf.fsm.commits = snap.Commits
	rf.fsm.conflicts = snap.Conflicts
	rf.fsm.seq = seq

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Entities  []*store.Entity `json:"entities"`
	Commits   uint64          `json:"commits"`
	Conflicts uint64          `json:"conflicts"`
	Seq       uint64          `json:"seq"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
