// Package producer implements the Leader Producer & Callback (spec §4.G):
// a thin wrapper over the LogProducer collaborator whose ack callback
// advances PCS futures and enqueues into the Drainer.
package producer

import (
	"context"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	"github.com/KaiSernLim/venice/internal/drainer"
	"github.com/KaiSernLim/venice/internal/future"
	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/spi"
)

// HeaderRestoreHook restores input-buffer headers the producer may have
// mutated in place before a retry (spec §4.G "A/A variant ... idempotent
// post-completion hook"). Safe to invoke more than once.
type HeaderRestoreHook struct {
	once    sync.Once
	headers []kafka.Header
	target  *[]kafka.Header
}

func NewHeaderRestoreHook(original []kafka.Header, target *[]kafka.Header) *HeaderRestoreHook {
	return &HeaderRestoreHook{headers: original, target: target}
}

func (h *HeaderRestoreHook) Restore() {
	h.once.Do(func() {
		*h.target = h.headers
	})
}

// LeaderProducer wraps an spi.LogProducer. Each Produce call must invoke
// its callback exactly once (spec §4.G); that contract is enforced by the
// underlying LogProducer, not re-validated here.
type LeaderProducer struct {
	underlying spi.LogProducer
	drain      drainer.Drainer
	log        *logging.Logger
}

func New(underlying spi.LogProducer, drain drainer.Drainer) *LeaderProducer {
	return &LeaderProducer{underlying: underlying, drain: drain, log: logging.New("producer")}
}

// Produce sends one record downstream. persistFuture is completed by the
// callback (success: nil; failure: the produce error), and on success the
// record is enqueued into the drainer with partition/upstream identity.
func (lp *LeaderProducer) Produce(ctx context.Context, topic string, partition int32, key, value []byte, headers []kafka.Header, upstreamURL string, timestampMs int64, p *pcs.PartitionConsumptionState, hook *HeaderRestoreHook) *future.Future {
	persistFuture := future.New()

	cb := func(result spi.ProduceResult, err error) {
		if hook != nil {
			hook.Restore()
		}
		if err != nil {
			p.SetIngestionError(err)
			persistFuture.Complete(err)
			lp.log.Error("produce failed for %s-%d: %v", topic, partition, err)
			return
		}

		entry := drainer.Entry{
			KeyBytes:    key,
			Value:       value,
			Partition:   result.Partition,
			UpstreamURL: upstreamURL,
			TimestampMs: timestampMs,
		}
		if putErr := lp.drain.Put(ctx, entry); putErr != nil {
			p.SetIngestionError(putErr)
			persistFuture.Complete(putErr)
			return
		}
		p.SetLastPersistFuture(persistFuture)
		persistFuture.Complete(nil)
	}

	if err := lp.underlying.Send(ctx, topic, partition, key, value, headers, cb); err != nil {
		p.SetIngestionError(err)
		persistFuture.Complete(err)
	}
	return persistFuture
}

// Flush delegates to the underlying LogProducer, used on END_OF_PUSH
// before swapping to the real-time producer handle (spec §4.E).
func (lp *LeaderProducer) Flush(ctx context.Context) error {
	return lp.underlying.Flush(ctx)
}
