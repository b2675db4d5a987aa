// Package pcs implements PartitionConsumptionState (spec §3, §4.B): the
// authoritative per-partition mutable state owned by the ingestion task.
package pcs

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/KaiSernLim/venice/internal/future"
)

// Role is the partition's current replica role. Role changes are driven
// externally (spec §3); this type only represents the observed value.
type Role int32

const (
	RoleFollower Role = iota
	RoleLeader
	RoleInTransition
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	case RoleInTransition:
		return "IN_TRANSITION"
	default:
		return "UNKNOWN"
	}
}

// ProducerHandle is a lazily materialized handle to the downstream
// producer (spec §9 "lazy producer handle").
type ProducerHandle interface {
	Flush() error
}

// PartitionConsumptionState is one per assigned partition.
type PartitionConsumptionState struct {
	partition int32

	mu   sync.RWMutex
	role Role

	endOfPushReceived bool

	leaderOffsetByUpstream      map[string]int64
	latestIgnoredUpstreamOffset map[string]int64

	lastPolledTsMs   int64
	lastConsumedTsMs int64

	lastVTProduceFuture *future.Future
	lastPersistFuture   *future.Future

	producerOnce   sync.Once
	producerHandle ProducerHandle

	topicSwitch    bool
	isHybrid       bool
	isBatchOnly    bool
	isDataRecovery bool

	completionReported bool

	ingestionErr atomic.Value // error
}

// New constructs a PCS with already-completed sentinel futures, per
// spec §3 ("Initially already-completed").
func New(partition int32) *PartitionConsumptionState {
	return &PartitionConsumptionState{
		partition:                   partition,
		role:                        RoleFollower,
		leaderOffsetByUpstream:      make(map[string]int64),
		latestIgnoredUpstreamOffset: make(map[string]int64),
		lastVTProduceFuture:         future.Completed(nil),
		lastPersistFuture:           future.Completed(nil),
	}
}

// ReplicaID is used for logging (spec §4.B).
func (p *PartitionConsumptionState) ReplicaID() string {
	return fmt.Sprintf("partition-%d", p.partition)
}

func (p *PartitionConsumptionState) Partition() int32 { return p.partition }

func (p *PartitionConsumptionState) Role() Role {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.role
}

// SetRole applies a role published by the external role coordinator
// (internal/roles); in the wired pipeline it is called from
// internal/ingestion's WatchRoleSignal, which only relays that signal.
func (p *PartitionConsumptionState) SetRole(r Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role = r
}

func (p *PartitionConsumptionState) EndOfPushReceived() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endOfPushReceived
}

// MarkEndOfPush is monotone: once set it cannot be unset.
func (p *PartitionConsumptionState) MarkEndOfPush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endOfPushReceived = true
}

// UpdateLeaderOffsetTriedToProduce rejects smaller values silently
// (spec §4.B "must be monotone non-decreasing").
func (p *PartitionConsumptionState) UpdateLeaderOffsetTriedToProduce(upstreamURL string, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset <= p.leaderOffsetByUpstream[upstreamURL] {
		return
	}
	p.leaderOffsetByUpstream[upstreamURL] = offset
}

func (p *PartitionConsumptionState) LeaderOffsetTriedToProduce(upstreamURL string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.leaderOffsetByUpstream[upstreamURL]
}

// RecordIgnoredUpstreamOffset implements the PCS operation
// update_latest_ignored_upstream(url, offset): monotone, and kept current
// even for filtered/duplicate records so leader-completion checks don't
// stall on a gap made entirely of filtered records (original_source
// StorePartitionDataReceiver.updateLatestIgnoredUpstreamRTOffset).
func (p *PartitionConsumptionState) RecordIgnoredUpstreamOffset(upstreamURL string, offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset <= p.latestIgnoredUpstreamOffset[upstreamURL] {
		return
	}
	p.latestIgnoredUpstreamOffset[upstreamURL] = offset
}

func (p *PartitionConsumptionState) LatestIgnoredUpstreamOffset(upstreamURL string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latestIgnoredUpstreamOffset[upstreamURL]
}

func (p *PartitionConsumptionState) SetLastPolledTsMs(ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPolledTsMs = ts
}

func (p *PartitionConsumptionState) LastPolledTsMs() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPolledTsMs
}

func (p *PartitionConsumptionState) SetLastConsumedTsMs(ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastConsumedTsMs = ts
}

func (p *PartitionConsumptionState) LastConsumedTsMs() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastConsumedTsMs
}

// LastVTProduceFuture and SetLastVTProduceFuture implement the composite
// future chain the A/A view fan-out path (spec §4.F) threads through.
// These are safe to call from callback threads, per spec §5 "callbacks
// interact only through future completion".
func (p *PartitionConsumptionState) LastVTProduceFuture() *future.Future {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastVTProduceFuture
}

func (p *PartitionConsumptionState) SetLastVTProduceFuture(f *future.Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastVTProduceFuture = f
}

func (p *PartitionConsumptionState) LastPersistFuture() *future.Future {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPersistFuture
}

func (p *PartitionConsumptionState) SetLastPersistFuture(f *future.Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPersistFuture = f
}

// ProducerHandle lazily materializes the downstream producer handle on
// first use via init, guarded by a one-shot lock (spec §9).
func (p *PartitionConsumptionState) ProducerHandle(init func() ProducerHandle) ProducerHandle {
	p.producerOnce.Do(func() {
		p.mu.Lock()
		p.producerHandle = init()
		p.mu.Unlock()
	})
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.producerHandle
}

func (p *PartitionConsumptionState) SetTopicSwitch(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topicSwitch = v
}

func (p *PartitionConsumptionState) TopicSwitch() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.topicSwitch
}

func (p *PartitionConsumptionState) SetIsHybrid(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isHybrid = v
}

func (p *PartitionConsumptionState) IsHybrid() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHybrid
}

func (p *PartitionConsumptionState) SetIsBatchOnly(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isBatchOnly = v
}

func (p *PartitionConsumptionState) IsBatchOnly() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isBatchOnly
}

func (p *PartitionConsumptionState) SetIsDataRecovery(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isDataRecovery = v
}

func (p *PartitionConsumptionState) IsDataRecovery() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isDataRecovery
}

func (p *PartitionConsumptionState) SetCompletionReported(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completionReported = v
}

func (p *PartitionConsumptionState) CompletionReported() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.completionReported
}

// SetIngestionError records a fatal, partition-scoped error (spec §7).
// Thread-safe: producer callback threads and the owning task both call it.
func (p *PartitionConsumptionState) SetIngestionError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ingestionErr.Load() != nil {
		return
	}
	p.ingestionErr.Store(err)
}

// IngestionError returns the first fatal error recorded for this
// partition, or nil if none.
func (p *PartitionConsumptionState) IngestionError() error {
	v := p.ingestionErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}
