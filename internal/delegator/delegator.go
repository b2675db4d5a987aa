// Package delegator implements the Record Delegator state machine
// (spec §4.E): the core per-record dispatcher deciding whether a record is
// produced downstream, queued straight to the drainer, or skipped.
package delegator

import (
	"context"
	"errors"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/KaiSernLim/venice/internal/batch"
	"github.com/KaiSernLim/venice/internal/config"
	"github.com/KaiSernLim/venice/internal/heartbeat"
	"github.com/KaiSernLim/venice/internal/keylock"
	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/merge"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/producer"
	"github.com/KaiSernLim/venice/internal/schema"
	"github.com/KaiSernLim/venice/internal/spi"
	"github.com/KaiSernLim/venice/internal/wire"
)

// Outcome is one of the three results the delegator yields for a record
// (spec §4.E).
type Outcome int

const (
	Produced Outcome = iota
	QueuedToDrainer
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Produced:
		return "PRODUCED_TO_DOWNSTREAM"
	case QueuedToDrainer:
		return "QUEUED_TO_DRAINER"
	case Skipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// errSkipRecord is an internal sentinel: the schema pre-flight found
// schema_id == -1, which per spec §4.E means skip, not fail.
var errSkipRecord = errors.New("delegator: record carries no schema, skip")

// LocalVT identifies this partition task's own version topic, used to
// detect the local-VT-feedback-loop safety invariant (spec §4.E, §7 #10).
type LocalVT struct {
	ClusterID string
	Topic     string
	BrokerURL string
}

// RecordContext carries one polled record plus the routing facts the
// delegator needs and, when the Batch Processor (§4.D) has already run,
// the pre-computed A/A merge result to avoid recomputing it.
type RecordContext struct {
	Record            wire.Record
	FromRealTimeTopic bool
	UpstreamTopic     string
	UpstreamBrokerURL string

	PrecomputedResult     *merge.ConflictResult
	PrecomputedPriorValue []byte
}

// Delegator wires together every collaborator the decision table in
// spec §4.E touches.
type Delegator struct {
	cfg          *config.Config
	local        LocalVT
	storeVersion string
	versionNum   int

	vtProducer *producer.LeaderProducer
	rtProducer *producer.LeaderProducer
	fanout     *merge.Fanout
	heartbeats *heartbeat.Emitter
	locks      *keylock.Manager
	cache      *batch.TransientCache
	storage    spi.StorageEngine
	registry   spi.SchemaRegistry
	merger     merge.Merger

	log *logging.Logger
}

// Config bundles the collaborators New needs, grouped to keep the
// constructor call sites readable. Note the delegator never touches the
// drainer directly: QUEUED_TO_DRAINER is an instruction the ingestion
// orchestrator (internal/ingestion) acts on, per spec §9's "lightweight
// identity tokens, not object references" design note.
type Config struct {
	Cfg          *config.Config
	Local        LocalVT
	StoreVersion string
	VersionNum   int
	VTProducer   *producer.LeaderProducer
	RTProducer   *producer.LeaderProducer
	Fanout       *merge.Fanout
	Heartbeats   *heartbeat.Emitter
	Locks        *keylock.Manager
	Cache        *batch.TransientCache
	Storage      spi.StorageEngine
	Registry     spi.SchemaRegistry
	Merger       merge.Merger
}

func New(c Config) *Delegator {
	return &Delegator{
		cfg:          c.Cfg,
		local:        c.Local,
		storeVersion: c.StoreVersion,
		versionNum:   c.VersionNum,
		vtProducer:   c.VTProducer,
		rtProducer:   c.RTProducer,
		fanout:       c.Fanout,
		heartbeats:   c.Heartbeats,
		locks:        c.Locks,
		cache:        c.Cache,
		storage:      c.Storage,
		registry:     c.Registry,
		merger:       c.Merger,
		log:          logging.New("delegator"),
	}
}

// Delegate dispatches one record per the spec §4.E decision table.
//
// shouldProduceDownstream decides (i) vs (ii) of spec §4.E: a leader consuming
// from its own local version topic is case (ii), "leader consuming from VT",
// and is routed to the drainer exactly like a follower — it is not "producing
// mode". Gating the production path this way also makes the fatal feedback
// loop of spec §7 #10 structurally unreachable from here: that invariant only
// describes a leader that is producing back to the VT it consumes from, and
// this branch never lets such a leader reach the production path in the first
// place. localVTFeedbackLoop is kept as a defensive double-check on the
// producing path itself, the same belt-and-suspenders shape the teacher's
// upstream Venice keeps around its own equivalent check.
func (d *Delegator) Delegate(ctx context.Context, p *pcs.PartitionConsumptionState, rc RecordContext) (Outcome, error) {
	consumingLocalVT := rc.UpstreamTopic == d.local.Topic && rc.UpstreamBrokerURL == d.local.BrokerURL
	shouldProduceDownstream := p.Role() == pcs.RoleLeader && !consumingLocalVT

	if !shouldProduceDownstream {
		return d.delegateNonLeader(ctx, p, rc)
	}

	if d.localVTFeedbackLoop(p, rc) {
		err := fmt.Errorf("leader %s must not consume from local VT %s and produce back to it", p.ReplicaID(), d.local.Topic)
		p.SetIngestionError(err)
		return Skipped, err
	}

	if rc.Record.Value.Kind == wire.KindControl {
		return d.delegateControl(ctx, p, rc)
	}
	return d.delegateData(ctx, p, rc)
}

// localVTFeedbackLoop is the fatal safety invariant of spec §7 #10. By the
// time Delegate reaches this check, shouldProduceDownstream is already true,
// which by construction means the record is not from the local VT — so this
// can only ever fire if that invariant is broken elsewhere (e.g. a caller
// constructs a RecordContext inconsistent with how the record was actually
// consumed). It stays as a last-line check rather than an assertion.
func (d *Delegator) localVTFeedbackLoop(p *pcs.PartitionConsumptionState, rc RecordContext) bool {
	return p.Role() == pcs.RoleLeader &&
		rc.UpstreamTopic == d.local.Topic &&
		rc.UpstreamBrokerURL == d.local.BrokerURL
}

func (d *Delegator) delegateNonLeader(ctx context.Context, p *pcs.PartitionConsumptionState, rc RecordContext) (Outcome, error) {
	rec := rc.Record
	if rec.Value.Kind == wire.KindControl && rec.Value.Control != nil &&
		rec.Value.Control.Type == wire.EndOfPush && rc.UpstreamTopic == d.local.Topic {
		if err := d.vtProducer.Flush(ctx); err != nil {
			p.SetIngestionError(err)
			return QueuedToDrainer, err
		}
		p.MarkEndOfPush()
	}
	return QueuedToDrainer, nil
}

func (d *Delegator) delegateControl(ctx context.Context, p *pcs.PartitionConsumptionState, rc RecordContext) (Outcome, error) {
	rec := rc.Record
	c := rec.Value.Control
	if c == nil {
		err := fmt.Errorf("delegator: control message record with nil control payload")
		p.SetIngestionError(err)
		return Skipped, err
	}

	switch c.Type {
	case wire.StartOfPush:
		if err := d.primeStoreVersionState(p); err != nil {
			p.SetIngestionError(err)
			return Skipped, err
		}
		return d.produceDownstream(ctx, p, rec, true, nil)

	case wire.EndOfPush:
		outcome, err := d.produceDownstream(ctx, p, rec, true, nil)
		if err != nil {
			return outcome, err
		}
		if err := d.vtProducer.Flush(ctx); err != nil {
			p.SetIngestionError(err)
			return outcome, err
		}
		p.MarkEndOfPush()
		return outcome, nil

	case wire.StartOfSegment, wire.EndOfSegment:
		if !rc.FromRealTimeTopic {
			return d.produceDownstream(ctx, p, rec, true, nil)
		}
		if c.Type == wire.StartOfSegment && rec.IsHeartBeat() {
			d.heartbeats.Emit(ctx, p, rec, d.local.Topic, p.Partition())
			return Produced, nil
		}
		return Skipped, nil

	case wire.StartOfIncrementalPush, wire.EndOfIncrementalPush:
		return d.produceDownstream(ctx, p, rec, true, nil)

	case wire.TopicSwitch:
		if d.cfg.IsDataRecovery && !p.IsBatchOnly() {
			return Skipped, nil
		}
		sentinel := wire.TopicSwitchSentinelOffset
		return d.produceDownstream(ctx, p, rec, true, &sentinel)

	case wire.VersionSwap:
		return QueuedToDrainer, nil

	default:
		err := fmt.Errorf("delegator: unrecognized control message type %v", c.Type)
		p.SetIngestionError(err)
		return Skipped, err
	}
}

func (d *Delegator) delegateData(ctx context.Context, p *pcs.PartitionConsumptionState, rc RecordContext) (Outcome, error) {
	rec := rc.Record

	svs, err := d.storage.GetStoreVersionState(p.Partition())
	if err != nil {
		p.SetIngestionError(err)
		return Skipped, err
	}

	if err := d.schemaPreflight(ctx, schemaIDOf(rec), svs); err != nil {
		if errors.Is(err, errSkipRecord) {
			return Skipped, nil
		}
		p.SetIngestionError(err)
		return Skipped, err
	}

	if !p.EndOfPushReceived() {
		return d.produceDownstream(ctx, p, rec, true, nil)
	}

	if !d.cfg.ActiveActiveReplicationEnabled {
		return d.produceDownstream(ctx, p, rec, false, nil)
	}

	return d.delegateActiveActive(ctx, p, rc)
}

func (d *Delegator) delegateActiveActive(ctx context.Context, p *pcs.PartitionConsumptionState, rc RecordContext) (Outcome, error) {
	rec := rc.Record
	result := rc.PrecomputedResult
	priorValue := rc.PrecomputedPriorValue

	if result == nil {
		handle := d.locks.AcquireOne(rec.KeyBytes)
		defer d.locks.ReleaseOne(handle)

		var priorRMD []byte
		var cached bool
		priorValue, priorRMD, cached = d.cache.Get(rec.KeyBytes)
		if !cached {
			v, found, err := d.storage.Get(p.Partition(), rec.KeyBytes)
			if err != nil {
				p.SetIngestionError(err)
				return Skipped, err
			}
			if found {
				priorValue = v
			}
		}

		r, err := d.merger.Merge(rec, priorValue, priorRMD)
		if err != nil {
			p.SetIngestionError(err)
			return Skipped, err
		}
		result = r
		if result.Kind != merge.UpdateIgnored {
			d.cache.Put(rec.KeyBytes, result.NewValue, result.NewRMD)
		}
	}

	produce := func(ctx context.Context, r wire.Record, res *merge.ConflictResult) error {
		value := res.NewValue
		if res.Kind == merge.TombstoneWithRmd {
			value = nil
		}
		if value != nil {
			compressed, err := wire.CompressMessage(value, d.cfg.CompressionCodec)
			if err != nil {
				return fmt.Errorf("delegator: %w", err)
			}
			value = compressed
		}
		f := d.activeProducer(p).Produce(ctx, d.local.Topic, p.Partition(), r.KeyBytes, value, nil, r.UpstreamURL, r.TimestampMs, p, nil)
		return f.Wait(ctx)
	}

	d.fanout.Apply(ctx, p, d.storeVersion, rec, priorValue, result, d.versionNum, produce)

	if result.Kind == merge.UpdateIgnored {
		return Skipped, nil
	}
	p.UpdateLeaderOffsetTriedToProduce(rec.UpstreamURL, rec.Offset)
	return Produced, nil
}

func (d *Delegator) activeProducer(p *pcs.PartitionConsumptionState) *producer.LeaderProducer {
	if p.EndOfPushReceived() {
		return d.rtProducer
	}
	return d.vtProducer
}

// produceDownstream serializes rec and sends it through the currently
// active producer. offsetOverride, if non-nil, is passed to the monotone PCS
// offset update instead of rec.Offset (TOPIC_SWITCH's sentinel suppression,
// spec §4.E/§9); the sentinel is below every legal offset, so the update
// leaves the recorded offset unchanged.
func (d *Delegator) produceDownstream(ctx context.Context, p *pcs.PartitionConsumptionState, rec wire.Record, passThrough bool, offsetOverride *int64) (Outcome, error) {
	key, value, err := wire.Serialize(rec)
	if err != nil {
		werr := fmt.Errorf("delegator: %w", err)
		p.SetIngestionError(werr)
		return Skipped, werr
	}

	value, err = wire.CompressMessage(value, d.cfg.CompressionCodec)
	if err != nil {
		werr := fmt.Errorf("delegator: %w", err)
		p.SetIngestionError(werr)
		return Skipped, werr
	}

	var headers []kafka.Header
	if rec.Value.Kind == wire.KindControl && rec.Value.Control != nil {
		headers = rec.Value.Control.Headers
	}

	d.activeProducer(p).Produce(ctx, d.local.Topic, p.Partition(), key, value, headers, rec.UpstreamURL, rec.TimestampMs, p, nil)

	offset := rec.Offset
	if offsetOverride != nil {
		offset = *offsetOverride
	}
	p.UpdateLeaderOffsetTriedToProduce(rec.UpstreamURL, offset)
	return Produced, nil
}

// primeStoreVersionState marks the store-version metadata as having seen
// START_OF_PUSH (spec §4.E "prime store-version state"; §8's idempotent-
// priming property). A no-op once already primed, so a re-delivered SOP
// after a mid-push restart does not repeat the write.
func (d *Delegator) primeStoreVersionState(p *pcs.PartitionConsumptionState) error {
	svs, err := d.storage.GetStoreVersionState(p.Partition())
	if err != nil {
		return err
	}
	if svs == nil {
		svs = &spi.StoreVersionState{}
	}
	if svs.StartOfPushed {
		return nil
	}
	svs.StartOfPushed = true
	return d.storage.PutStoreVersionState(p.Partition(), svs)
}

func (d *Delegator) schemaPreflight(ctx context.Context, schemaID int32, svs *spi.StoreVersionState) error {
	if schemaID == wire.NoSchemaID {
		return errSkipRecord
	}
	if wire.IsChunkingSchema(schemaID) {
		if svs == nil || !svs.Chunked {
			return fmt.Errorf("delegator: chunked schema id %d received but store-version is not chunking-enabled", schemaID)
		}
		return nil
	}
	return schema.WaitUntilAvailable(ctx, d.registry, schemaID, d.cfg.SchemaPollingTimeout(), d.cfg.SchemaPollingDelay())
}

func schemaIDOf(rec wire.Record) int32 {
	switch rec.Value.Kind {
	case wire.KindPut:
		return rec.Value.Put.SchemaID
	case wire.KindUpdate:
		return rec.Value.Update.SchemaID
	case wire.KindDelete:
		return rec.Value.Delete.SchemaID
	default:
		return wire.NoSchemaID
	}
}
