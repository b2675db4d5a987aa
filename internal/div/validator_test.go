package div_test

import (
	"hash/crc32"
	"testing"

	"github.com/KaiSernLim/venice/internal/div"
	"github.com/KaiSernLim/venice/internal/stats"
	"github.com/KaiSernLim/venice/internal/wire"
)

func sos(guid string, seg, seq int32) wire.Record {
	return wire.Record{
		Value: wire.ValueEnvelope{
			Kind:    wire.KindControl,
			Control: &wire.ControlMessage{Type: wire.StartOfSegment},
		},
		ProducerMetadata: wire.ProducerMetadata{ProducerGUID: guid, SegmentNumber: seg, SequenceNumber: seq},
	}
}

func put(guid string, seg, seq int32, value []byte) wire.Record {
	return wire.Record{
		Value: wire.ValueEnvelope{
			Kind: wire.KindPut,
			Put:  &wire.Put{SchemaID: 1, Value: value},
		},
		ProducerMetadata: wire.ProducerMetadata{ProducerGUID: guid, SegmentNumber: seg, SequenceNumber: seq},
	}
}

func eos(guid string, seg, seq int32, checksum uint32) wire.Record {
	return wire.Record{
		Value: wire.ValueEnvelope{
			Kind:    wire.KindControl,
			Control: &wire.ControlMessage{Type: wire.EndOfSegment, EndOfSegmentChecksum: checksum},
		},
		ProducerMetadata: wire.ProducerMetadata{ProducerGUID: guid, SegmentNumber: seg, SequenceNumber: seq},
	}
}

func TestValidate_HappyPath(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})

	if r := v.Validate(sos("p1", 0, 0), "v1", false); r != div.OK {
		t.Fatalf("expected OK for SOS, got %v", r)
	}
	if r := v.Validate(put("p1", 0, 1, []byte("a")), "v1", false); r != div.OK {
		t.Fatalf("expected OK for first put, got %v", r)
	}
}

func TestValidate_DuplicateWithinSegment(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})
	v.Validate(sos("p1", 0, 0), "v1", false)
	v.Validate(put("p1", 0, 1, []byte("a")), "v1", false)

	if r := v.Validate(put("p1", 0, 1, []byte("a")), "v1", false); r != div.Duplicate {
		t.Fatalf("expected Duplicate for replayed seq, got %v", r)
	}
}

func TestValidate_FatalGapBeforeEOP(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})
	v.Validate(sos("p1", 0, 0), "v1", false)
	v.Validate(put("p1", 0, 1, []byte("a")), "v1", false)

	if r := v.Validate(put("p1", 0, 3, []byte("c")), "v1", false); r != div.Fatal {
		t.Fatalf("expected Fatal for sequence gap, got %v", r)
	}
}

func TestValidate_DataBeforeStartOfSegmentIsFatal(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})
	if r := v.Validate(put("p1", 0, 1, []byte("a")), "v1", false); r != div.Fatal {
		t.Fatalf("expected Fatal for data with no open segment, got %v", r)
	}
}

func TestValidate_ChecksumMismatchOnEndOfSegment(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})
	v.Validate(sos("p1", 0, 0), "v1", false)
	v.Validate(put("p1", 0, 1, []byte("a")), "v1", false)

	if r := v.Validate(eos("p1", 0, 2, 0xDEADBEEF), "v1", false); r != div.Fatal {
		t.Fatalf("expected Fatal for checksum mismatch, got %v", r)
	}
}

func TestValidate_ChecksumMatchOnEndOfSegment(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})
	v.Validate(sos("p1", 0, 0), "v1", false)
	v.Validate(put("p1", 0, 1, []byte("a")), "v1", false)

	want := crc32.ChecksumIEEE([]byte("a"))
	if r := v.Validate(eos("p1", 0, 2, want), "v1", false); r != div.OK {
		t.Fatalf("expected OK for matching checksum, got %v", r)
	}
}

func controlMsg(t wire.ControlMessageType) wire.Record {
	return wire.Record{
		Value: wire.ValueEnvelope{
			Kind:    wire.KindControl,
			Control: &wire.ControlMessage{Type: t},
		},
		ProducerMetadata: wire.ProducerMetadata{ProducerGUID: "p1"},
	}
}

func TestValidate_LifecycleControlMessagesBypassSegmentChecks(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})

	for _, ct := range []wire.ControlMessageType{
		wire.StartOfPush,
		wire.EndOfPush,
		wire.StartOfIncrementalPush,
		wire.EndOfIncrementalPush,
		wire.TopicSwitch,
		wire.VersionSwap,
	} {
		if r := v.Validate(controlMsg(ct), "v1", false); r != div.OK {
			t.Fatalf("expected OK for %v with no open segment, got %v", ct, r)
		}
	}
}

func TestValidate_FatalAfterEOPIsSwallowedNotPanicked(t *testing.T) {
	v := div.NewValidator(0, "VT", stats.NullStatsSink{})
	// No SOS at all: data record with no open segment, but EOP has been
	// received. Per spec §4.A/§9 this is still classified Fatal — the
	// caller decides whether to halt, DIV itself never changes behavior
	// based on endOfPushReceived beyond logging.
	if r := v.Validate(put("p1", 0, 1, []byte("a")), "v1", true); r != div.Fatal {
		t.Fatalf("expected Fatal, got %v", r)
	}
}
