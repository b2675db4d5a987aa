// Package heartbeat implements leader-completion heartbeat propagation
// (spec §4.I): when a leader observes a real-time heartbeat, it forwards a
// heartbeat to the version topic carrying the partition's completion state.
package heartbeat

import (
	"context"

	kafka "github.com/segmentio/kafka-go"

	"github.com/KaiSernLim/venice/internal/future"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/producer"
	"github.com/KaiSernLim/venice/internal/wire"
)

// LeaderCompleteStateHeader carries pcs.CompletionReported() on every
// heartbeat forwarded to the version topic.
const LeaderCompleteStateHeader = "X-Venice-Leader-Complete-State"

// Emitter wraps the leader producer used to forward heartbeats to the
// version topic.
type Emitter struct {
	producer *producer.LeaderProducer
}

func NewEmitter(p *producer.LeaderProducer) *Emitter {
	return &Emitter{producer: p}
}

// Emit forwards one real-time heartbeat to the version topic. Origin
// timestamp is max(upstream_producer_ts, record_ingress_ts) to tolerate
// producer clock drift (spec §4.I).
func (e *Emitter) Emit(ctx context.Context, p *pcs.PartitionConsumptionState, rec wire.Record, topic string, partition int32) *future.Future {
	ts := rec.ProducerMetadata.ProducerTsMs
	if rec.TimestampMs > ts {
		ts = rec.TimestampMs
	}

	state := []byte("false")
	if p.CompletionReported() {
		state = []byte("true")
	}
	headers := []kafka.Header{{Key: LeaderCompleteStateHeader, Value: state}}

	return e.producer.Produce(ctx, topic, partition, wire.HeartBeatKey, nil, headers, rec.UpstreamURL, ts, p, nil)
}
