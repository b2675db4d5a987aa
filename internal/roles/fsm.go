package roles

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// assignment is one applied log entry: which broker leads a given partition.
type assignment struct {
	Partition int32  `json:"partition"`
	BrokerID  string `json:"broker_id"`
}

// partitionFSM is the raft.FSM tracking partition-leader assignments. It
// carries no application data of its own -- replicated role assignments
// are exactly what this component exists to coordinate (SPEC_FULL.md §2.1).
type partitionFSM struct {
	mu          sync.RWMutex
	leaderOf    map[int32]string
	selfBroker  string
}

func newPartitionFSM(selfBroker string) *partitionFSM {
	return &partitionFSM{leaderOf: make(map[int32]string), selfBroker: selfBroker}
}

func (f *partitionFSM) Apply(log *raft.Log) interface{} {
	var a assignment
	if err := json.Unmarshal(log.Data, &a); err != nil {
		return err
	}
	f.mu.Lock()
	f.leaderOf[a.Partition] = a.BrokerID
	f.mu.Unlock()
	return nil
}

func (f *partitionFSM) isLeaderOf(partition int32) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.leaderOf[partition] == f.selfBroker
}

func (f *partitionFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := make(map[int32]string, len(f.leaderOf))
	for k, v := range f.leaderOf {
		snap[k] = v
	}
	return &partitionFSMSnapshot{leaderOf: snap}, nil
}

func (f *partitionFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var leaderOf map[int32]string
	if err := json.NewDecoder(rc).Decode(&leaderOf); err != nil {
		return err
	}
	f.mu.Lock()
	f.leaderOf = leaderOf
	f.mu.Unlock()
	return nil
}

type partitionFSMSnapshot struct {
	leaderOf map[int32]string
}

func (s *partitionFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.leaderOf); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *partitionFSMSnapshot) Release() {}
