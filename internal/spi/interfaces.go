// Package spi defines the narrow interfaces this pipeline consumes from the
// rest of Venice (spec §6 "Consumed from the environment"). Each is an
// external collaborator explicitly out of scope for this repository
// (spec §1); only the shape the core calls through is defined here.
package spi

import (
	"context"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"github.com/KaiSernLim/venice/internal/wire"
)

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// LogConsumer is the low-level log consumer client (out of scope, spec §1).
type LogConsumer interface {
	Poll(ctx context.Context, tp TopicPartition) ([]wire.Record, error)
	Pause(tp TopicPartition)
	Resume(tp TopicPartition)
	Seek(tp TopicPartition, offset int64)
}

// ProduceResult is delivered to a LogProducer callback on ack.
type ProduceResult struct {
	Topic     string
	Partition int32
	Offset    int64
}

// ProduceCallback is invoked exactly once per Send call (spec §4.G).
type ProduceCallback func(ProduceResult, error)

// LogProducer is the low-level log producer client (out of scope, spec §1).
type LogProducer interface {
	Send(ctx context.Context, topic string, partition int32, key, value []byte, headers []kafka.Header, cb ProduceCallback) error
	Flush(ctx context.Context) error
}

// StoreVersionState is the minimal store-version metadata the delegator
// consults for chunking/priming decisions.
type StoreVersionState struct {
	Chunked       bool
	StartOfPushed bool
}

// StorageEngine is the on-disk storage engine (out of scope, spec §1).
type StorageEngine interface {
	Get(partition int32, key []byte) (value []byte, found bool, err error)
	GetStoreVersionState(partition int32) (*StoreVersionState, error)
	PutStoreVersionState(partition int32, state *StoreVersionState) error
	Put(partition int32, key, value []byte) error
	Delete(partition int32, key []byte) error
}

// SchemaRegistry resolves whether a schema id is known yet.
type SchemaRegistry interface {
	IsSchemaKnown(id int32) bool
}

// ViewWriter materializes a derived projection of the store (spec §4.F).
// ProcessRecord returns a channel that receives exactly one value (the
// Future<Unit> of the spec).
type ViewWriter interface {
	ProcessRecord(ctx context.Context, newValue, oldValue, key []byte, version int, newSchemaID, oldSchemaID int32, rmd []byte) <-chan error
}

// QuotaManager enforces per-partition read quotas (out of scope, spec §1).
type QuotaManager interface {
	EnforcePartitionQuota(partition int32, bytesRead int64) error
	DiskQuotaUsage() int64
}
