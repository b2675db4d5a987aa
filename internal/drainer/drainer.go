// Package drainer implements the Drainer interface (spec §4.H): a bounded
// blocking queue of processed records to be applied to the storage engine.
// Blocking here is acceptable back-pressure but must be interruptible via
// context cancellation.
package drainer

import (
	"context"
	"sync"

	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/spi"
)

// Entry is one processed record queued for storage application. No
// ordering guarantee is asserted beyond FIFO per partition (spec §4.H).
type Entry struct {
	KeyBytes    []byte
	Value       []byte
	Tombstone   bool
	Partition   int32
	UpstreamURL string
	TimestampMs int64
}

// Drainer is the consumed-capability surface the producer callback and
// non-leader delegation path both write into.
type Drainer interface {
	Put(ctx context.Context, e Entry) error
}

// BoundedDrainer is a pool of consumer goroutines applying entries to a
// StorageEngine, fed by a single bounded channel.
type BoundedDrainer struct {
	ch      chan Entry
	storage spi.StorageEngine
	wg      sync.WaitGroup
	log     *logging.Logger
}

// NewBoundedDrainer starts workerCount consumer goroutines draining a
// channel of the given capacity.
func NewBoundedDrainer(capacity, workerCount int, storage spi.StorageEngine) *BoundedDrainer {
	d := &BoundedDrainer{
		ch:      make(chan Entry, capacity),
		storage: storage,
		log:     logging.New("drainer"),
	}
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Put blocks until the entry is accepted or ctx is cancelled.
func (d *BoundedDrainer) Put(ctx context.Context, e Entry) error {
	select {
	case d.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting new entries and waits for in-flight ones to drain.
func (d *BoundedDrainer) Close() {
	close(d.ch)
	d.wg.Wait()
}

func (d *BoundedDrainer) run() {
	defer d.wg.Done()
	for e := range d.ch {
		d.apply(e)
	}
}

func (d *BoundedDrainer) apply(e Entry) {
	var err error
	if e.Tombstone {
		err = d.storage.Delete(e.Partition, e.KeyBytes)
	} else {
		err = d.storage.Put(e.Partition, e.KeyBytes, e.Value)
	}
	if err != nil {
		d.log.Error("drainer apply failed for partition %d: %v", e.Partition, err)
	}
}
