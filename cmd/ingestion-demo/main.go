// Command ingestion-demo wires up a single partition's ingestion task
// end to end against in-memory stand-ins for the out-of-scope external
// collaborators (spec §1: log transport, storage engine, schema registry)
// and pushes a small scripted batch of records through it.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/KaiSernLim/venice/internal/batch"
	"github.com/KaiSernLim/venice/internal/config"
	"github.com/KaiSernLim/venice/internal/delegator"
	"github.com/KaiSernLim/venice/internal/div"
	"github.com/KaiSernLim/venice/internal/drainer"
	"github.com/KaiSernLim/venice/internal/heartbeat"
	"github.com/KaiSernLim/venice/internal/ingestion"
	"github.com/KaiSernLim/venice/internal/keylock"
	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/merge"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/producer"
	"github.com/KaiSernLim/venice/internal/roles"
	"github.com/KaiSernLim/venice/internal/spi"
	"github.com/KaiSernLim/venice/internal/stats"
	"github.com/KaiSernLim/venice/internal/wire"
)

// memLogProducer is a stand-in for the real log-producer client: it
// invokes the callback synchronously on a fixed, monotonically-increasing
// offset per topic-partition.
type memLogProducer struct {
	mu      sync.Mutex
	offsets map[string]int64
}

func newMemLogProducer() *memLogProducer {
	return &memLogProducer{offsets: make(map[string]int64)}
}

func (p *memLogProducer) Send(ctx context.Context, topic string, partition int32, key, value []byte, headers []kafka.Header, cb spi.ProduceCallback) error {
	p.mu.Lock()
	tp := fmt.Sprintf("%s-%d", topic, partition)
	offset := p.offsets[tp]
	p.offsets[tp] = offset + 1
	p.mu.Unlock()

	cb(spi.ProduceResult{Topic: topic, Partition: partition, Offset: offset}, nil)
	return nil
}

func (p *memLogProducer) Flush(ctx context.Context) error { return nil }

// memStorage is a stand-in for the on-disk storage engine: a plain
// in-memory key/value map per partition, guarded by a mutex.
type memStorage struct {
	mu   sync.Mutex
	data map[int32]map[string][]byte
	svs  map[int32]*spi.StoreVersionState
}

func newMemStorage() *memStorage {
	return &memStorage{
		data: make(map[int32]map[string][]byte),
		svs:  make(map[int32]*spi.StoreVersionState),
	}
}

func (s *memStorage) Get(partition int32, key []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	part, ok := s.data[partition]
	if !ok {
		return nil, false, nil
	}
	v, ok := part[string(key)]
	return v, ok, nil
}

func (s *memStorage) GetStoreVersionState(partition int32) (*spi.StoreVersionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.svs[partition]; ok {
		return v, nil
	}
	return &spi.StoreVersionState{}, nil
}

func (s *memStorage) PutStoreVersionState(partition int32, state *spi.StoreVersionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.svs[partition] = state
	return nil
}

func (s *memStorage) Put(partition int32, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[partition] == nil {
		s.data[partition] = make(map[string][]byte)
	}
	s.data[partition][string(key)] = value
	return nil
}

func (s *memStorage) Delete(partition int32, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[partition], string(key))
	return nil
}

// memSchemaRegistry treats every schema id as immediately known.
type memSchemaRegistry struct{}

func (memSchemaRegistry) IsSchemaKnown(int32) bool { return true }

func putRecord(offset int64, key, value string, schemaID int32, ts int64) wire.Record {
	return wire.Record{
		KeyBytes:         []byte(key),
		Offset:           offset,
		TimestampMs:      ts,
		ProducerMetadata: wire.ProducerMetadata{ProducerGUID: "demo-producer", SegmentNumber: 0, SequenceNumber: int32(offset), ProducerTsMs: ts},
		Value: wire.ValueEnvelope{
			Kind: wire.KindPut,
			Put:  &wire.Put{SchemaID: schemaID, Value: []byte(value)},
		},
	}
}

func controlRecord(offset int64, t wire.ControlMessageType) wire.Record {
	return wire.Record{
		Offset:           offset,
		ProducerMetadata: wire.ProducerMetadata{ProducerGUID: "demo-producer", SegmentNumber: 0, SequenceNumber: int32(offset)},
		Value: wire.ValueEnvelope{
			Kind:    wire.KindControl,
			Control: &wire.ControlMessage{Type: t, ProducerMetadata: wire.ProducerMetadata{ProducerGUID: "demo-producer"}},
		},
	}
}

func main() {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		logging.New("ingestion-demo").Fatal("failed to load config: %v", err)
	}

	log := logging.New("ingestion-demo")
	log.Info("starting ingestion-demo with active-active=%v chunking=%v", cfg.ActiveActiveReplicationEnabled, cfg.ChunkingEnabled)

	storage := newMemStorage()
	registry := memSchemaRegistry{}

	drain := drainer.NewBoundedDrainer(cfg.DrainerQueueCapacity, cfg.DrainerWorkerCount, storage)

	vtUnderlying := newMemLogProducer()
	rtUnderlying := newMemLogProducer()
	vtProducer := producer.New(vtUnderlying, drain)
	rtProducer := producer.New(rtUnderlying, drain)

	fanout := merge.NewFanout(nil, stats.NullStatsSink{})
	merger := merge.NewTimestampMerger()
	locks := keylock.NewManager()
	cache := batch.NewTransientCache()
	batchProc := batch.NewProcessor(locks, cache, storage, merger, cfg.ParallelProcessingPoolSize)
	hb := heartbeat.NewEmitter(vtProducer)

	state := pcs.New(0)

	const brokerID = "demo-broker"
	coordinator, err := roles.NewSingleNodeCoordinator(brokerID)
	if err != nil {
		log.Fatal("failed to start role coordinator: %v", err)
	}
	defer coordinator.Shutdown()

	local := delegator.LocalVT{ClusterID: "demo-cluster", Topic: "demo-store_v1", BrokerURL: "demo-broker:0"}

	del := delegator.New(delegator.Config{
		Cfg:          cfg,
		Local:        local,
		StoreVersion: "demo-store_v1",
		VersionNum:   1,
		VTProducer:   vtProducer,
		RTProducer:   rtProducer,
		Fanout:       fanout,
		Heartbeats:   hb,
		Locks:        locks,
		Cache:        cache,
		Storage:      storage,
		Registry:     registry,
		Merger:       merger,
	})

	vtDiv := div.NewValidator(0, "version-topic", stats.NullStatsSink{})
	rtDiv := div.NewValidator(0, "real-time-topic", stats.NullStatsSink{})

	task := ingestion.New(ingestion.Deps{
		Cfg:          cfg,
		PCS:          state,
		VTDiv:        vtDiv,
		RTDiv:        rtDiv,
		Delegator:    del,
		BatchProc:    batchProc,
		Drain:        drain,
		Storage:      storage,
		StoreVersion: "demo-store_v1",
		Destination:  spi.TopicPartition{Topic: "demo-store_v1", Partition: 0},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task.WatchRoleSignal(ctx, coordinator.RoleSignal(0))

	// Drive this partition's role via raft rather than setting it directly
	// (SPEC_FULL.md §2.1): retry until the single-node group elects itself
	// leader and the assignment commits.
	for {
		if err := coordinator.AssignPartitionLeader(0, brokerID); err == nil {
			break
		}
		if ctx.Err() != nil {
			log.Fatal("timed out waiting for role coordinator to elect a leader")
		}
		time.Sleep(20 * time.Millisecond)
	}
	for state.Role() != pcs.RoleLeader {
		if ctx.Err() != nil {
			log.Fatal("timed out waiting for partition 0 to become leader")
		}
		time.Sleep(10 * time.Millisecond)
	}

	now := time.Now().UnixMilli()

	push := ingestion.PollBatch{
		Records: []wire.Record{
			controlRecord(0, wire.StartOfPush),
			controlRecord(1, wire.StartOfSegment),
			putRecord(2, "alpha", "v1", 1, now),
			putRecord(3, "beta", "v1", 1, now),
			controlRecord(4, wire.EndOfPush),
		},
		FromRealTimeTopic: false,
		UpstreamTopic:     "demo-store_v1",
		UpstreamBrokerURL: "demo-broker:0",
		UpstreamURL:       "demo-broker:0",
	}

	if err := task.Write(ctx, push); err != nil {
		log.Fatal("batch-push write failed: %v", err)
	}

	rt := ingestion.PollBatch{
		Records: []wire.Record{
			controlRecord(0, wire.StartOfSegment),
			putRecord(1, "alpha", "v2", 1, now+1000),
		},
		FromRealTimeTopic: true,
		UpstreamTopic:     "demo-store_rt",
		UpstreamBrokerURL: "demo-broker:0",
		UpstreamURL:       "demo-broker:0",
	}

	if err := task.Write(ctx, rt); err != nil {
		log.Fatal("real-time write failed: %v", err)
	}

	drain.Close()

	value, found, _ := storage.Get(0, []byte("alpha"))
	log.Info("received=%d destination=%s alpha=%q found=%v", task.ReceivedRecordsCount(), task.DestinationIdentifier(), value, found)

	logging.Sync()
}
