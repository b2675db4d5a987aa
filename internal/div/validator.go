// Package div implements the Data Integrity Validator (spec §4.A): per
// (partition, producer_guid, segment_number) sequence and checksum
// validation, classifying violations as fatal or duplicate.
package div

import (
	"hash/crc32"
	"sync"

	"github.com/KaiSernLim/venice/internal/logging"
	"github.com/KaiSernLim/venice/internal/stats"
	"github.com/KaiSernLim/venice/internal/wire"
)

// Result is the outcome of validating one record.
type Result int

const (
	OK Result = iota
	Duplicate
	Fatal
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case Duplicate:
		return "Duplicate"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

type segmentStatus int

const (
	segmentNotStarted segmentStatus = iota
	segmentInProgress
	segmentEnded
)

type segmentState struct {
	status         segmentStatus
	lastSeenSeqNum int32
	checksum       uint32
}

type segmentKey struct {
	producerGUID  string
	segmentNumber int32
}

// Validator tracks DIV state for one partition's topic (VT or RT; callers
// keep two instances when global RT DIV mode is disabled, spec §3).
type Validator struct {
	partition int32
	topicType string // label used for logging/metrics only

	mu       sync.Mutex
	segments map[segmentKey]*segmentState

	stats stats.StatsSink
	log   *logging.Logger
}

func NewValidator(partition int32, topicType string, sink stats.StatsSink) *Validator {
	if sink == nil {
		sink = stats.NullStatsSink{}
	}
	return &Validator{
		partition: partition,
		topicType: topicType,
		segments:  make(map[segmentKey]*segmentState),
		stats:     sink,
		log:       logging.New("div"),
	}
}

// Validate checks one record against its segment's DIV state and returns
// the classification (spec §4.A). A violation is classified Fatal whether
// or not endOfPushReceived is set; the flag only selects how the violation
// is logged. The caller decides what a Fatal result does: halt before EOP,
// swallow after it (spec §9 open question: this swallowing behavior is
// intentional, not a bug, and must not change).
func (v *Validator) Validate(rec wire.Record, storeVersion string, endOfPushReceived bool) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	pm := rec.ProducerMetadata
	key := segmentKey{producerGUID: pm.ProducerGUID, segmentNumber: pm.SegmentNumber}
	seg, exists := v.segments[key]

	switch {
	case isStartOfSegment(rec):
		if !exists {
			seg = &segmentState{}
			v.segments[key] = seg
		}
		seg.status = segmentInProgress
		seg.lastSeenSeqNum = pm.SequenceNumber
		seg.checksum = 0
		return v.record(OK, storeVersion)

	case isEndOfSegment(rec):
		if !exists || seg.status != segmentInProgress {
			return v.classifyFatal(storeVersion, endOfPushReceived)
		}
		if seg.checksum != rec.Value.Control.EndOfSegmentChecksum {
			return v.classifyFatal(storeVersion, endOfPushReceived)
		}
		seg.status = segmentEnded
		return v.record(OK, storeVersion)

	default:
		if !isSegmentedData(rec) {
			// Terminal/lifecycle control messages (SOP, EOP, TOPIC_SWITCH,
			// VERSION_SWAP, incremental-push markers) ride outside the
			// segment/sequence-number protocol entirely; only Put/Update/
			// Delete records are sequenced within a segment.
			return v.record(OK, storeVersion)
		}

		if !exists || seg.status != segmentInProgress {
			// A segment that has not been started cannot emit data.
			return v.classifyFatal(storeVersion, endOfPushReceived)
		}

		expected := seg.lastSeenSeqNum + 1
		if pm.SequenceNumber <= seg.lastSeenSeqNum {
			v.stats.RecordDuplicate(storeVersion)
			v.log.Debug("duplicate record partition=%d producer=%s seq=%d last=%d",
				v.partition, pm.ProducerGUID, pm.SequenceNumber, seg.lastSeenSeqNum)
			return Duplicate
		}
		if pm.SequenceNumber != expected {
			return v.classifyFatal(storeVersion, endOfPushReceived)
		}

		seg.lastSeenSeqNum = pm.SequenceNumber
		seg.checksum = crc32.Update(seg.checksum, crc32.IEEETable, payloadBytes(rec))
		return v.record(OK, storeVersion)
	}
}

func (v *Validator) record(r Result, storeVersion string) Result {
	if r == OK {
		v.stats.RecordSuccess(storeVersion)
	}
	return r
}

func (v *Validator) classifyFatal(storeVersion string, endOfPushReceived bool) Result {
	v.stats.RecordFatalDIV(storeVersion)
	if endOfPushReceived {
		v.log.Warn("fatal DIV violation after end-of-push on partition %d; swallowed per policy", v.partition)
	} else {
		v.log.Error("fatal DIV violation before end-of-push on partition %d", v.partition)
	}
	return Fatal
}

func isStartOfSegment(rec wire.Record) bool {
	return rec.Value.Kind == wire.KindControl && rec.Value.Control != nil && rec.Value.Control.Type == wire.StartOfSegment
}

func isEndOfSegment(rec wire.Record) bool {
	return rec.Value.Kind == wire.KindControl && rec.Value.Control != nil && rec.Value.Control.Type == wire.EndOfSegment
}

// isSegmentedData reports whether rec is subject to segment/sequence-number
// validation at all. Only data records (Put/Update/Delete) are; every other
// control message is a lifecycle marker outside the segment protocol.
func isSegmentedData(rec wire.Record) bool {
	return rec.Value.Kind != wire.KindControl
}

func payloadBytes(rec wire.Record) []byte {
	switch rec.Value.Kind {
	case wire.KindPut:
		return rec.Value.Put.Value
	case wire.KindUpdate:
		return rec.Value.Update.UpdateBytes
	default:
		return nil
	}
}
