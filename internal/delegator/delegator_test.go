package delegator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/KaiSernLim/venice/internal/batch"
	"github.com/KaiSernLim/venice/internal/config"
	"github.com/KaiSernLim/venice/internal/delegator"
	"github.com/KaiSernLim/venice/internal/drainer"
	"github.com/KaiSernLim/venice/internal/heartbeat"
	"github.com/KaiSernLim/venice/internal/keylock"
	"github.com/KaiSernLim/venice/internal/merge"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/producer"
	"github.com/KaiSernLim/venice/internal/spi"
	"github.com/KaiSernLim/venice/internal/stats"
	"github.com/KaiSernLim/venice/internal/wire"
)

type recordingProducer struct {
	mu    sync.Mutex
	sends []spi.ProduceResult
	keys  [][]byte
}

func (r *recordingProducer) Send(ctx context.Context, topic string, partition int32, key, value []byte, headers []kafka.Header, cb spi.ProduceCallback) error {
	r.mu.Lock()
	res := spi.ProduceResult{Topic: topic, Partition: partition, Offset: int64(len(r.sends))}
	r.sends = append(r.sends, res)
	r.keys = append(r.keys, key)
	r.mu.Unlock()
	cb(res, nil)
	return nil
}
func (r *recordingProducer) Flush(context.Context) error { return nil }

func (r *recordingProducer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

type fakeStorage struct {
	svs *spi.StoreVersionState
}

func (f *fakeStorage) Get(int32, []byte) ([]byte, bool, error) { return nil, false, nil }
func (f *fakeStorage) GetStoreVersionState(int32) (*spi.StoreVersionState, error) {
	return f.svs, nil
}
func (f *fakeStorage) PutStoreVersionState(_ int32, state *spi.StoreVersionState) error {
	f.svs = state
	return nil
}
func (f *fakeStorage) Put(int32, []byte, []byte) error { return nil }
func (f *fakeStorage) Delete(int32, []byte) error      { return nil }

type alwaysKnownRegistry struct{}

func (alwaysKnownRegistry) IsSchemaKnown(int32) bool { return true }

type passthroughMerger struct{}

func (passthroughMerger) Merge(incoming wire.Record, priorValue, priorRMD []byte) (*merge.ConflictResult, error) {
	return &merge.ConflictResult{Kind: merge.NewPutWithRmd, NewValue: incoming.Value.Put.Value}, nil
}

func newHarness(t *testing.T, cfg *config.Config) (*delegator.Delegator, *recordingProducer, *recordingProducer, *pcs.PartitionConsumptionState) {
	t.Helper()
	vtProd := &recordingProducer{}
	rtProd := &recordingProducer{}
	d := drainer.NewBoundedDrainer(8, 1, &fakeStorage{svs: &spi.StoreVersionState{}})
	t.Cleanup(d.Close)

	vt := producer.New(vtProd, d)
	rt := producer.New(rtProd, d)
	fanout := merge.NewFanout(nil, stats.NullStatsSink{})
	hb := heartbeat.NewEmitter(vt)
	locks := keylock.NewManager()
	cache := batch.NewTransientCache()
	storage := &fakeStorage{svs: &spi.StoreVersionState{Chunked: false}}

	del := delegator.New(delegator.Config{
		Cfg:          cfg,
		Local:        delegator.LocalVT{ClusterID: "local", Topic: "store_v1", BrokerURL: "local-broker"},
		StoreVersion: "store_v1",
		VersionNum:   1,
		VTProducer:   vt,
		RTProducer:   rt,
		Fanout:       fanout,
		Heartbeats:   hb,
		Locks:        locks,
		Cache:        cache,
		Storage:      storage,
		Registry:     alwaysKnownRegistry{},
		Merger:       passthroughMerger{},
	})

	p := pcs.New(0)
	p.SetRole(pcs.RoleLeader)
	return del, vtProd, rtProd, p
}

func newHarnessWithStorage(t *testing.T, cfg *config.Config) (*delegator.Delegator, *recordingProducer, *fakeStorage, *pcs.PartitionConsumptionState) {
	t.Helper()
	vtProd := &recordingProducer{}
	rtProd := &recordingProducer{}
	storage := &fakeStorage{svs: &spi.StoreVersionState{}}
	d := drainer.NewBoundedDrainer(8, 1, storage)
	t.Cleanup(d.Close)

	vt := producer.New(vtProd, d)
	rt := producer.New(rtProd, d)
	fanout := merge.NewFanout(nil, stats.NullStatsSink{})
	hb := heartbeat.NewEmitter(vt)
	locks := keylock.NewManager()
	cache := batch.NewTransientCache()

	del := delegator.New(delegator.Config{
		Cfg:          cfg,
		Local:        delegator.LocalVT{ClusterID: "local", Topic: "store_v1", BrokerURL: "local-broker"},
		StoreVersion: "store_v1",
		VersionNum:   1,
		VTProducer:   vt,
		RTProducer:   rt,
		Fanout:       fanout,
		Heartbeats:   hb,
		Locks:        locks,
		Cache:        cache,
		Storage:      storage,
		Registry:     alwaysKnownRegistry{},
		Merger:       passthroughMerger{},
	})

	p := pcs.New(0)
	p.SetRole(pcs.RoleLeader)
	return del, vtProd, storage, p
}

func baseCfg() *config.Config {
	return &config.Config{
		SchemaPollingTimeoutMS: 1000,
		SchemaPollingDelayMS:   10,
	}
}

func putRecord(key, value string, schemaID int32) wire.Record {
	return wire.Record{
		KeyBytes: []byte(key),
		Value: wire.ValueEnvelope{
			Kind: wire.KindPut,
			Put:  &wire.Put{SchemaID: schemaID, Value: []byte(value)},
		},
	}
}

func controlRecord(t wire.ControlMessageType) wire.Record {
	return wire.Record{
		Value: wire.ValueEnvelope{
			Kind:    wire.KindControl,
			Control: &wire.ControlMessage{Type: t},
		},
	}
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return c
}

func TestDelegate_StartOfPushProducesDownstream(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: controlRecord(wire.StartOfPush)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced, got %v", outcome)
	}
	if vt.count() != 1 {
		t.Fatalf("expected one VT produce, got %d", vt.count())
	}
}

func TestDelegate_EndOfPushMarksPCSAndSwapsProducer(t *testing.T) {
	del, vt, rt, p := newHarness(t, baseCfg())
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: controlRecord(wire.EndOfPush)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced, got %v", outcome)
	}
	if !p.EndOfPushReceived() {
		t.Fatal("expected EndOfPushReceived to be true after EOP")
	}

	// The next data record should now route through the RT producer.
	_, err = del.Delegate(ctx(t), p, delegator.RecordContext{Record: putRecord("k1", "v1", 1)})
	if err != nil {
		t.Fatalf("unexpected error on post-EOP put: %v", err)
	}
	if rt.count() != 1 {
		t.Fatalf("expected post-EOP put on RT producer, got %d sends", rt.count())
	}
	_ = vt
}

func TestDelegate_SegmentControlFromRealTimeTopicDropped(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	rec := controlRecord(wire.StartOfSegment)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec, FromRealTimeTopic: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Skipped {
		t.Fatalf("expected Skipped for non-heartbeat segment control from RT, got %v", outcome)
	}
	if vt.count() != 0 {
		t.Fatalf("expected no produce, got %d", vt.count())
	}
}

func TestDelegate_HeartbeatFromRealTimeTopicEmitsToVT(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	rec := controlRecord(wire.StartOfSegment)
	rec.KeyBytes = wire.HeartBeatKey
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec, FromRealTimeTopic: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced for heartbeat, got %v", outcome)
	}
	if vt.count() != 1 {
		t.Fatalf("expected heartbeat forwarded to VT, got %d", vt.count())
	}
}

func TestDelegate_VersionSwapQueuedToDrainer(t *testing.T) {
	del, _, _, p := newHarness(t, baseCfg())
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: controlRecord(wire.VersionSwap)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.QueuedToDrainer {
		t.Fatalf("expected QueuedToDrainer, got %v", outcome)
	}
}

func TestDelegate_TopicSwitchDataRecoverySkipped(t *testing.T) {
	cfg := baseCfg()
	cfg.IsDataRecovery = true
	del, vt, _, p := newHarness(t, cfg)
	// p.IsBatchOnly() defaults false, so data-recovery + not-batch-only => skip.
	rec := controlRecord(wire.TopicSwitch)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Skipped {
		t.Fatalf("expected Skipped for data-recovery topic switch, got %v", outcome)
	}
	if vt.count() != 0 {
		t.Fatalf("expected no produce, got %d", vt.count())
	}
}

func TestDelegate_TopicSwitchNormalSuppressesOffset(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	rec := controlRecord(wire.TopicSwitch)
	rec.Offset = 42
	rec.UpstreamURL = "remote"
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced, got %v", outcome)
	}
	if vt.count() != 1 {
		t.Fatalf("expected one produce, got %d", vt.count())
	}
	if p.LeaderOffsetTriedToProduce("remote") != wire.TopicSwitchSentinelOffset {
		t.Fatalf("expected sentinel offset recorded, got %d", p.LeaderOffsetTriedToProduce("remote"))
	}
}

func TestDelegate_PrePushPutPassesThrough(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	rec := putRecord("k1", "a", 1)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced, got %v", outcome)
	}
	if vt.count() != 1 {
		t.Fatalf("expected one VT produce, got %d", vt.count())
	}
}

func TestDelegate_PostPushPutNonAAProducesFresh(t *testing.T) {
	del, _, rt, p := newHarness(t, baseCfg())
	p.MarkEndOfPush()
	rec := putRecord("k1", "a", 1)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced, got %v", outcome)
	}
	if rt.count() != 1 {
		t.Fatalf("expected one RT produce, got %d", rt.count())
	}
}

func TestDelegate_PostPushPutAAInvokesMergePath(t *testing.T) {
	cfg := baseCfg()
	cfg.ActiveActiveReplicationEnabled = true
	del, _, rt, p := newHarness(t, cfg)
	p.MarkEndOfPush()

	rec := putRecord("k1", "new", 1)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Produced {
		t.Fatalf("expected Produced, got %v", outcome)
	}

	// fanout.Apply produces asynchronously, gated on the last VT future.
	if err := p.LastVTProduceFuture().Wait(ctx(t)); err != nil {
		t.Fatalf("unexpected VT produce error: %v", err)
	}
	if rt.count() != 1 {
		t.Fatalf("expected one merged produce via RT producer, got %d", rt.count())
	}
}

func TestDelegate_SchemaSkipSentinel(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	rec := putRecord("k1", "a", wire.NoSchemaID)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.Skipped {
		t.Fatalf("expected Skipped for NoSchemaID, got %v", outcome)
	}
	if vt.count() != 0 {
		t.Fatalf("expected no produce, got %d", vt.count())
	}
}

func TestDelegate_ChunkedSchemaRequiresChunkingEnabled(t *testing.T) {
	del, _, _, p := newHarness(t, baseCfg())
	rec := putRecord("k1", "a", wire.ChunkSchemaID)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err == nil {
		t.Fatal("expected a fatal error for chunked schema on non-chunked store version")
	}
	if outcome != delegator.Skipped {
		t.Fatalf("expected Skipped outcome alongside the error, got %v", outcome)
	}
	if p.IngestionError() == nil {
		t.Fatal("expected ingestion error to be set on PCS")
	}
}

func TestDelegate_NonLeaderQueuesToDrainer(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	p.SetRole(pcs.RoleFollower)
	rec := putRecord("k1", "a", 1)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: rec})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.QueuedToDrainer {
		t.Fatalf("expected QueuedToDrainer for follower, got %v", outcome)
	}
	if vt.count() != 0 {
		t.Fatalf("expected no produce for follower path, got %d", vt.count())
	}
}

// A leader consuming from its own local version topic is the legitimate
// "leader consuming from VT" case (spec §4.E) and must be routed to the
// drainer exactly like a follower, not treated as the fatal feedback loop.
func TestDelegate_LeaderConsumingLocalVTQueuesToDrainer(t *testing.T) {
	del, vt, _, p := newHarness(t, baseCfg())
	rec := putRecord("k1", "a", 1)
	outcome, err := del.Delegate(ctx(t), p, delegator.RecordContext{
		Record:            rec,
		UpstreamTopic:     "store_v1",
		UpstreamBrokerURL: "local-broker",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.QueuedToDrainer {
		t.Fatalf("expected QueuedToDrainer for leader consuming local VT, got %v", outcome)
	}
	if vt.count() != 0 {
		t.Fatalf("expected no produce for leader-consuming-local-VT path, got %d", vt.count())
	}
	if p.IngestionError() != nil {
		t.Fatalf("expected no ingestion error, got %v", p.IngestionError())
	}
}

// The EOP-flush-and-swap special case (spec line 117) applies equally to a
// leader consuming its own local VT, not just to followers.
func TestDelegate_LeaderConsumingLocalVTEndOfPushFlushesAndSwaps(t *testing.T) {
	del, vt, rt, p := newHarness(t, baseCfg())
	rc := delegator.RecordContext{
		Record:            controlRecord(wire.EndOfPush),
		UpstreamTopic:     "store_v1",
		UpstreamBrokerURL: "local-broker",
	}
	outcome, err := del.Delegate(ctx(t), p, rc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != delegator.QueuedToDrainer {
		t.Fatalf("expected QueuedToDrainer, got %v", outcome)
	}
	if !p.EndOfPushReceived() {
		t.Fatal("expected EndOfPushReceived to be true after EOP")
	}
	if vt.count() != 0 {
		t.Fatalf("expected no VT produce for local-VT-consuming leader, got %d", vt.count())
	}

	rec := putRecord("k1", "a", 1)
	rc.Record = rec
	if _, err := del.Delegate(ctx(t), p, rc); err != nil {
		t.Fatalf("unexpected error on post-EOP put: %v", err)
	}
	if rt.count() != 1 {
		t.Fatalf("expected post-EOP put on RT producer, got %d sends", rt.count())
	}
}

func TestDelegate_StartOfPushPrimesStoreVersionState(t *testing.T) {
	del, _, storage, p := newHarnessWithStorage(t, baseCfg())

	if storage.svs.StartOfPushed {
		t.Fatal("expected StartOfPushed to start false")
	}

	if _, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: controlRecord(wire.StartOfPush)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !storage.svs.StartOfPushed {
		t.Fatal("expected StartOfPushed to be true after SOP")
	}

	// A re-delivered SOP is a no-op against already-primed state.
	if _, err := del.Delegate(ctx(t), p, delegator.RecordContext{Record: controlRecord(wire.StartOfPush)}); err != nil {
		t.Fatalf("unexpected error on re-delivered SOP: %v", err)
	}
	if !storage.svs.StartOfPushed {
		t.Fatal("expected StartOfPushed to remain true after a re-delivered SOP")
	}
}
