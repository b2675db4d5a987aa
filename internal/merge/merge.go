// Package merge implements Active/Active conflict resolution and view
// fan-out (spec §4.F): merge the incoming record against the prior value
// and RMD, fan the result out to view writers, and gate the version-topic
// produce on a composite future so VT write order matches input order even
// though view fan-out runs concurrently.
package merge

import (
	"context"
	"fmt"

	"github.com/KaiSernLim/venice/internal/future"
	"github.com/KaiSernLim/venice/internal/pcs"
	"github.com/KaiSernLim/venice/internal/spi"
	"github.com/KaiSernLim/venice/internal/stats"
	"github.com/KaiSernLim/venice/internal/wire"
)

// ResultKind tags the outcome of a conflict resolution.
type ResultKind int

const (
	UpdateIgnored ResultKind = iota
	NewPutWithRmd
	TombstoneWithRmd
)

// ConflictResult is the outcome of Merger.Merge.
type ConflictResult struct {
	Kind ResultKind

	NewValue []byte
	NewRMD   []byte

	// OldValueManifest/OldRMDManifest carry chunked-value manifests so
	// downstream can reconstruct a prior chunked value (spec §4.F).
	OldValueManifest []byte
	OldRMDManifest   []byte

	NewSchemaID int32
	OldSchemaID int32
}

// Merger resolves a conflict between an incoming record and the prior
// value+RMD read from storage (or the transient per-partition cache).
type Merger interface {
	Merge(incoming wire.Record, priorValue, priorRMD []byte) (*ConflictResult, error)
}

// Produce is the version-topic produce call the Fanout gates on the
// composite future; implemented by internal/producer.LeaderProducer in the
// wired pipeline.
type Produce func(ctx context.Context, rec wire.Record, result *ConflictResult) error

// Fanout drives the view-writer fan-out and VT-produce-ordering chain.
type Fanout struct {
	views []spi.ViewWriter
	stats stats.StatsSink
}

func NewFanout(views []spi.ViewWriter, sink stats.StatsSink) *Fanout {
	if sink == nil {
		sink = stats.NullStatsSink{}
	}
	return &Fanout{views: views, stats: sink}
}

// Apply takes an already-computed merge result and, if it is not ignored,
// fans out to view writers and gates the VT produce on a composite future
// built from the previous VT produce future and every view future (spec
// §4.F steps 3-5).
//
// It returns immediately once the gating future has been installed on the
// PCS; the actual produce happens asynchronously and its error (if any)
// resolves the returned future.
func (f *Fanout) Apply(ctx context.Context, p *pcs.PartitionConsumptionState, storeVersion string, rec wire.Record, priorValue []byte, result *ConflictResult, version int, produce Produce) *future.Future {
	if result.Kind == UpdateIgnored {
		return future.Completed(nil)
	}
	if result.Kind == TombstoneWithRmd {
		f.stats.RecordTombstoneCreated(storeVersion)
	}

	prevVT := p.LastVTProduceFuture()
	next := future.New()
	p.SetLastVTProduceFuture(next)

	if len(f.views) == 0 {
		go f.gateAndProduce(ctx, prevVT, rec, result, next, produce)
		return next
	}

	viewFutures := make([]*future.Future, len(f.views))
	for i, v := range f.views {
		vf := future.New()
		viewFutures[i] = vf
		go func(v spi.ViewWriter, vf *future.Future) {
			errCh := v.ProcessRecord(ctx, result.NewValue, priorValue, rec.KeyBytes, version, result.NewSchemaID, result.OldSchemaID, result.NewRMD)
			select {
			case err := <-errCh:
				vf.Complete(err)
			case <-ctx.Done():
				vf.Complete(ctx.Err())
			}
		}(v, vf)
	}

	composite := future.Join(append([]*future.Future{prevVT}, viewFutures...)...)
	go f.gateAndProduce(ctx, composite, rec, result, next, produce)
	return next
}

func (f *Fanout) gateAndProduce(ctx context.Context, gate *future.Future, rec wire.Record, result *ConflictResult, next *future.Future, produce Produce) {
	if err := gate.Wait(ctx); err != nil {
		next.Complete(fmt.Errorf("view fan-out failed, VT produce skipped: %w", err))
		return
	}
	next.Complete(produce(ctx, rec, result))
}
