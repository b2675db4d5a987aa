// Package ingestion wires every component (§4.A-§4.I) into the single
// per-partition orchestrator exposed upward (spec §6).
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/KaiSernLim/venice/internal/batch"
	"github.com/KaiSernLim/venice/internal/config"
	"github.com/KaiSernLim/venice/internal/delegator"
	"github.com/KaiSernLim/venice/internal/div"
	"github.com/KaiSernLim/venice/internal/drainer"
	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/merge"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/spi"
	"github.com/KaiSernLim/venice/internal/wire"
)

// ErrNoPartitionState is returned by Write when the partition's PCS has
// already been torn down (e.g. after unsubscribe); supplemental behavior
// beyond spec.md, carried over from original_source's
// StorePartitionDataReceiver. Write returns this sentinel before touching
// any record and records no fatal state, so a record referencing a vanished
// partition is reported as such rather than treated as a fatal fault.
var ErrNoPartitionState = errors.New("ingestion: no partition consumption state for this task")

// PollBatch is one poll's worth of records plus the routing facts the
// delegator and DIV trackers need to classify them.
type PollBatch struct {
	Records           []wire.Record
	FromRealTimeTopic bool
	UpstreamTopic     string
	UpstreamBrokerURL string
	UpstreamURL       string
}

// Task is the per-partition ingestion orchestrator: the sole entry point
// polled data is written through (spec §6 "write(batch_of_records)").
type Task struct {
	cfg *config.Config

	pcs *pcs.PartitionConsumptionState

	vtDiv *div.Validator
	rtDiv *div.Validator // same instance as vtDiv when GlobalRTDivEnabled

	del       *delegator.Delegator
	batchProc *batch.Processor
	drain     drainer.Drainer
	storage   spi.StorageEngine

	storeVersion  string
	destinationTP spi.TopicPartition

	receivedCount uint64

	log *logging.Logger
}

// Deps bundles every collaborator a Task needs.
type Deps struct {
	Cfg          *config.Config
	PCS          *pcs.PartitionConsumptionState
	VTDiv        *div.Validator
	RTDiv        *div.Validator
	Delegator    *delegator.Delegator
	BatchProc    *batch.Processor
	Drain        drainer.Drainer
	Storage      spi.StorageEngine
	StoreVersion string
	Destination  spi.TopicPartition
}

func New(d Deps) *Task {
	rtDiv := d.RTDiv
	if d.Cfg.GlobalRTDivEnabled {
		rtDiv = d.VTDiv
	}
	return &Task{
		cfg:           d.Cfg,
		pcs:           d.PCS,
		vtDiv:         d.VTDiv,
		rtDiv:         rtDiv,
		del:           d.Delegator,
		batchProc:     d.BatchProc,
		drain:         d.Drain,
		storage:       d.Storage,
		storeVersion:  d.StoreVersion,
		destinationTP: d.Destination,
		log:           logging.New("ingestion"),
	}
}

// Write is the sole entry point for polled data (spec §6).
func (t *Task) Write(ctx context.Context, batchIn PollBatch) error {
	if t.pcs == nil {
		return ErrNoPartitionState
	}
	if err := t.pcs.IngestionError(); err != nil {
		return err
	}

	t.pcs.SetLastPolledTsMs(time.Now().UnixMilli())
	atomic.AddUint64(&t.receivedCount, uint64(len(batchIn.Records)))

	records := batchIn.Records
	i := 0
	for i < len(records) {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := records[i]
		rec.UpstreamURL = batchIn.UpstreamURL

		divResult := t.divFor(batchIn.FromRealTimeTopic).Validate(rec, t.storeVersion, t.pcs.EndOfPushReceived())
		switch divResult {
		case div.Duplicate:
			t.pcs.RecordIgnoredUpstreamOffset(batchIn.UpstreamURL, rec.Offset)
			i++
			continue
		case div.Fatal:
			if !t.pcs.EndOfPushReceived() {
				err := fmt.Errorf("ingestion: fatal DIV violation on partition %d before end-of-push", t.pcs.Partition())
				t.pcs.SetIngestionError(err)
				return err
			}
			// Post-EOP fatal DIV is swallowed here (the validator
			// only logs it); this is an intentional, unresolved
			// open question upstream (spec §9) -- not altered here.
			t.pcs.RecordIgnoredUpstreamOffset(batchIn.UpstreamURL, rec.Offset)
			i++
			continue
		}

		t.pcs.SetLastConsumedTsMs(time.Now().UnixMilli())

		if t.batchProc != nil && isDataRecord(rec) &&
			batch.ShouldBatch(t.policy(), t.pcs.EndOfPushReceived(), batchIn.FromRealTimeTopic) {
			j := i
			for j < len(records) && isDataRecord(records[j]) {
				j++
			}
			mini := records[i:j]
			if err := t.batchProc.ProcessBatch(ctx, mini, t.pcs.Partition(), t.delegateBatchItem(batchIn)); err != nil {
				t.pcs.SetIngestionError(err)
				return err
			}
			i = j
			continue
		}

		if err := t.delegateOne(ctx, rec, batchIn, nil, nil); err != nil {
			return err
		}
		i++
	}
	return nil
}

func (t *Task) delegateBatchItem(batchIn PollBatch) batch.Delegate {
	return func(ctx context.Context, item batch.Item) error {
		if item.Err != nil {
			t.pcs.SetIngestionError(item.Err)
			return item.Err
		}
		return t.delegateOne(ctx, item.Record, batchIn, item.Result, item.PriorValue)
	}
}

func (t *Task) delegateOne(ctx context.Context, rec wire.Record, batchIn PollBatch, precomputed *merge.ConflictResult, priorValue []byte) error {
	rc := delegator.RecordContext{
		Record:                rec,
		FromRealTimeTopic:     batchIn.FromRealTimeTopic,
		UpstreamTopic:         batchIn.UpstreamTopic,
		UpstreamBrokerURL:     batchIn.UpstreamBrokerURL,
		PrecomputedResult:     precomputed,
		PrecomputedPriorValue: priorValue,
	}

	outcome, err := t.del.Delegate(ctx, t.pcs, rc)
	if err != nil {
		return err
	}

	if outcome != delegator.QueuedToDrainer {
		return nil
	}

	entry := drainerEntryFor(rec, t.pcs.Partition(), batchIn.UpstreamURL)
	if err := t.drain.Put(ctx, entry); err != nil {
		t.pcs.SetIngestionError(err)
		return err
	}
	return nil
}

func (t *Task) divFor(fromRealTimeTopic bool) *div.Validator {
	if fromRealTimeTopic {
		return t.rtDiv
	}
	return t.vtDiv
}

func (t *Task) policy() batch.Policy {
	return batch.Policy{
		ActiveActiveReplicationEnabled: t.cfg.ActiveActiveReplicationEnabled,
		PerKeyConflictResolutionOn:     t.cfg.ActiveActiveReplicationEnabled,
	}
}

// DestinationIdentifier returns the target version-topic partition (spec
// §6 "destination_identifier()").
func (t *Task) DestinationIdentifier() spi.TopicPartition {
	return t.destinationTP
}

// NotifyOfTopicDeletion sets a fatal partition-scoped error (spec §6).
func (t *Task) NotifyOfTopicDeletion(topic string) {
	if t.pcs == nil {
		return
	}
	t.pcs.SetIngestionError(fmt.Errorf("ingestion: topic %s deleted", topic))
}

// ReceivedRecordsCount is for tests/observability (spec §6).
func (t *Task) ReceivedRecordsCount() uint64 {
	return atomic.LoadUint64(&t.receivedCount)
}

// WatchRoleSignal applies every role the partition role coordinator
// (internal/roles) publishes on sig to this task's PCS, until ctx is
// cancelled or sig is closed. SPEC_FULL.md §2.1: the task orchestrator
// never decides leadership itself, only reacts to the signal.
func (t *Task) WatchRoleSignal(ctx context.Context, sig <-chan pcs.Role) {
	go func() {
		for {
			select {
			case role, ok := <-sig:
				if !ok {
					return
				}
				if prev := t.pcs.Role(); prev != role {
					t.log.Info("partition %d role transition: %v -> %v", t.pcs.Partition(), prev, role)
				}
				t.pcs.SetRole(role)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func isDataRecord(rec wire.Record) bool {
	return rec.Value.Kind != wire.KindControl
}

func drainerEntryFor(rec wire.Record, partition int32, upstreamURL string) drainer.Entry {
	entry := drainer.Entry{
		KeyBytes:    rec.KeyBytes,
		Partition:   partition,
		UpstreamURL: upstreamURL,
		TimestampMs: rec.TimestampMs,
	}
	switch rec.Value.Kind {
	case wire.KindPut:
		entry.Value = rec.Value.Put.Value
	case wire.KindDelete:
		entry.Tombstone = true
	case wire.KindControl:
		_, value, _ := wire.Serialize(rec)
		entry.Value = value
	}
	return entry
}
