// Package batch implements the Batch Processor (spec §4.D): groups a
// polled list of records into mini-batches, holds per-key locks across
// each mini-batch, and runs merge/write-compute in parallel while
// preserving input order for everything downstream.
package batch

import (
	"context"
	"sync"

	"github.com/KaiSernLim/venice/internal/keylock"
	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/merge"
	"github.com/KaiSernLim/venice/internal/spi"
	"github.com/KaiSernLim/venice/internal/wire"
)

// Policy carries the store-level flags ShouldBatch gates on.
type Policy struct {
	ActiveActiveReplicationEnabled bool
	PerKeyConflictResolutionOn     bool
}

// ShouldBatch implements the §4.D policy gate: parallel mini-batch
// processing only applies post-EOP, A/A, per-key-conflict-resolution,
// real-time-topic records. Everything else takes the per-record path
// (§4.E) directly.
func ShouldBatch(policy Policy, endOfPushReceived, fromRealTimeTopic bool) bool {
	return policy.ActiveActiveReplicationEnabled &&
		policy.PerKeyConflictResolutionOn &&
		endOfPushReceived &&
		fromRealTimeTopic
}

// Item is one record after mini-batch processing: either a computed merge
// result (A/A path) ready for the delegator to apply without recomputing,
// or an error if prior-value lookup or merge failed.
type Item struct {
	Record     wire.Record
	Result     *merge.ConflictResult
	PriorValue []byte
	Err        error
}

// Delegate is the record delegator's single-record entry point; the batch
// processor calls it once per item, in input order, with the pre-computed
// merge result already attached.
type Delegate func(ctx context.Context, item Item) error

// Processor runs mini-batches of size Parallelism through key-lock
// acquisition, parallel merge resolution, and in-order delegation.
type Processor struct {
	locks       *keylock.Manager
	cache       *TransientCache
	storage     spi.StorageEngine
	merger      merge.Merger
	parallelism int
	log         *logging.Logger
}

func NewProcessor(locks *keylock.Manager, cache *TransientCache, storage spi.StorageEngine, merger merge.Merger, parallelism int) *Processor {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Processor{
		locks:       locks,
		cache:       cache,
		storage:     storage,
		merger:      merger,
		parallelism: parallelism,
		log:         logging.New("batch"),
	}
}

// ProcessBatch partitions records into mini-batches of size Parallelism
// and runs each sequentially, preserving order across mini-batches (spec
// §4.D invariant).
func (p *Processor) ProcessBatch(ctx context.Context, records []wire.Record, partition int32, delegate Delegate) error {
	for start := 0; start < len(records); start += p.parallelism {
		end := start + p.parallelism
		if end > len(records) {
			end = len(records)
		}
		if err := p.processMiniBatch(ctx, records[start:end], partition, delegate); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) processMiniBatch(ctx context.Context, mini []wire.Record, partition int32, delegate Delegate) error {
	keys := make([][]byte, len(mini))
	for i, r := range mini {
		keys[i] = r.KeyBytes
	}

	handle := p.locks.AcquireMany(keys)
	defer p.locks.Release(handle)

	items := make([]Item, len(mini))
	var wg sync.WaitGroup
	for i, r := range mini {
		wg.Add(1)
		go func(i int, r wire.Record) {
			defer wg.Done()
			items[i] = p.resolve(ctx, r, partition)
		}(i, r)
	}
	wg.Wait()

	for _, item := range items {
		if err := delegate(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// resolve reads the prior value+RMD (cache first, falling back to disk for
// the value only) and runs the merge, updating the transient cache on any
// non-ignored result. Called from a worker goroutine with the key lock for
// item.Record.KeyBytes already held by the caller's mini-batch handle.
func (p *Processor) resolve(ctx context.Context, r wire.Record, partition int32) Item {
	priorValue, priorRMD, cached := p.cache.Get(r.KeyBytes)
	if !cached {
		v, found, err := p.storage.Get(partition, r.KeyBytes)
		if err != nil {
			return Item{Record: r, Err: err}
		}
		if found {
			priorValue = v
		}
	}

	result, err := p.merger.Merge(r, priorValue, priorRMD)
	if err != nil {
		return Item{Record: r, PriorValue: priorValue, Err: err}
	}
	if result.Kind != merge.UpdateIgnored {
		p.cache.Put(r.KeyBytes, result.NewValue, result.NewRMD)
	}
	return Item{Record: r, Result: result, PriorValue: priorValue}
}
