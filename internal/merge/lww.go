package merge

import (
	"encoding/binary"

	"github.com/KaiSernLim/venice/internal/wire"
)

// TimestampMerger is a whole-value last-writer-wins Merger: RMD is an
// 8-byte big-endian millisecond timestamp of the write that produced the
// current value. Equal timestamps favor the incoming record (spec §4.F
// "conflict resolution", left as an Open Question on field-level
// granularity -- resolved here at whole-value granularity; per-field CRDT
// merge is out of scope).
type TimestampMerger struct{}

func NewTimestampMerger() *TimestampMerger { return &TimestampMerger{} }

func (TimestampMerger) Merge(incoming wire.Record, priorValue, priorRMD []byte) (*ConflictResult, error) {
	incomingTs := incoming.ProducerMetadata.ProducerTsMs
	if incoming.TimestampMs > incomingTs {
		incomingTs = incoming.TimestampMs
	}

	if priorTs, hasPrior := decodeRMDTimestamp(priorRMD); hasPrior && incomingTs < priorTs {
		return &ConflictResult{Kind: UpdateIgnored}, nil
	}

	newRMD := encodeRMDTimestamp(incomingTs)

	switch incoming.Value.Kind {
	case wire.KindDelete:
		return &ConflictResult{
			Kind:        TombstoneWithRmd,
			NewRMD:      newRMD,
			NewSchemaID: incoming.Value.Delete.SchemaID,
			OldSchemaID: wire.NoSchemaID,
		}, nil
	case wire.KindPut:
		return &ConflictResult{
			Kind:        NewPutWithRmd,
			NewValue:    incoming.Value.Put.Value,
			NewRMD:      newRMD,
			NewSchemaID: incoming.Value.Put.SchemaID,
		}, nil
	case wire.KindUpdate:
		// Partial update (write-compute) applied against the whole prior
		// value; this merger does not interpret the update schema itself,
		// it treats the update bytes as the resulting value -- a
		// simplification matching schemaPreflight's treatment of Update
		// records elsewhere in this pipeline.
		return &ConflictResult{
			Kind:        NewPutWithRmd,
			NewValue:    incoming.Value.Update.UpdateBytes,
			NewRMD:      newRMD,
			NewSchemaID: incoming.Value.Update.SchemaID,
		}, nil
	default:
		return &ConflictResult{Kind: UpdateIgnored}, nil
	}
}

func encodeRMDTimestamp(ts int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ts))
	return buf
}

func decodeRMDTimestamp(rmd []byte) (int64, bool) {
	if len(rmd) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(rmd)), true
}

var _ Merger = (*TimestampMerger)(nil)
