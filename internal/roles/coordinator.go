// Package roles implements partition-role coordination: a thin
// hashicorp/raft-backed layer electing, per partition, which broker acts
// as LEADER. Ingestion components never touch raft directly -- they only
// read pcs.Role off PartitionConsumptionState, which this package drives
// (SPEC_FULL.md §2.1; grounded on
// pkg/cluster/replication/manager.go's RaftReplicationManager and
// pkg/cluster/controller/election.go's ControllerElection/LeaderCh
// pattern).
package roles

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/pcs"
)

// Coordinator wraps one raft.Raft instance and republishes cluster
// leadership transitions, joined with the FSM's per-partition assignment
// table, as pcs.Role values for any number of subscribed partitions.
type Coordinator struct {
	raft     *raft.Raft
	fsm      *partitionFSM
	brokerID string

	mu          sync.Mutex
	subscribers map[int32][]chan pcs.Role

	log *logging.Logger
}

// NewSingleNodeCoordinator builds a Coordinator running a single-node raft
// group over in-memory stores and transport. Production deployments with
// real peers would instead dial raft.NewTCPTransport and a durable
// snapshot store, as the teacher's RaftReplicationManager does; in-memory
// is the right choice here since the network/disk layer is an external
// collaborator out of this repository's scope (spec §1).
func NewSingleNodeCoordinator(brokerID string) (*Coordinator, error) {
	fsm := newPartitionFSM(brokerID)

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(brokerID)
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	cfg.ElectionTimeout = 200 * time.Millisecond
	cfg.LeaderLeaseTimeout = 100 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(brokerID))
	_ = addr

	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshots := raft.NewInmemSnapshotStore()

	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("roles: failed to start raft: %w", err)
	}

	bootstrapCfg := raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	}
	if err := r.BootstrapCluster(bootstrapCfg).Error(); err != nil {
		return nil, fmt.Errorf("roles: bootstrap failed: %w", err)
	}

	c := &Coordinator{
		raft:        r,
		fsm:         fsm,
		brokerID:    brokerID,
		subscribers: make(map[int32][]chan pcs.Role),
		log:         logging.New("roles"),
	}
	go c.watchLeadership()
	return c, nil
}

// AssignPartitionLeader replicates a partition-leader assignment through
// raft. Must be called on the raft leader; non-leader calls fail.
func (c *Coordinator) AssignPartitionLeader(partition int32, brokerID string) error {
	data, err := json.Marshal(assignment{Partition: partition, BrokerID: brokerID})
	if err != nil {
		return fmt.Errorf("roles: marshal assignment: %w", err)
	}
	f := c.raft.Apply(data, 5*time.Second)
	if err := f.Error(); err != nil {
		return fmt.Errorf("roles: apply assignment: %w", err)
	}
	c.publish(partition)
	return nil
}

// RoleSignal returns a channel receiving this broker's role for the given
// partition on every leadership or assignment transition. Buffered by one
// so a slow consumer only ever observes the latest role, not a backlog.
func (c *Coordinator) RoleSignal(partition int32) <-chan pcs.Role {
	ch := make(chan pcs.Role, 1)
	c.mu.Lock()
	c.subscribers[partition] = append(c.subscribers[partition], ch)
	c.mu.Unlock()
	c.publishTo(partition, ch)
	return ch
}

func (c *Coordinator) watchLeadership() {
	for isLeader := range c.raft.LeaderCh() {
		if isLeader {
			c.log.Info("broker %s became cluster leader", c.brokerID)
		} else {
			c.log.Info("broker %s stepped down from cluster leadership", c.brokerID)
		}
		c.mu.Lock()
		partitions := make([]int32, 0, len(c.subscribers))
		for p := range c.subscribers {
			partitions = append(partitions, p)
		}
		c.mu.Unlock()
		for _, p := range partitions {
			c.publish(p)
		}
	}
}

func (c *Coordinator) publish(partition int32) {
	c.mu.Lock()
	chs := c.subscribers[partition]
	c.mu.Unlock()
	for _, ch := range chs {
		c.publishTo(partition, ch)
	}
}

func (c *Coordinator) publishTo(partition int32, ch chan pcs.Role) {
	role := pcs.RoleFollower
	if c.raft.State() == raft.Leader && c.fsm.isLeaderOf(partition) {
		role = pcs.RoleLeader
	}
	select {
	case ch <- role:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- role
	}
}

// Shutdown stops the raft instance.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}
