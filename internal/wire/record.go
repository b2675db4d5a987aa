// Package wire defines the Record envelope shared by every stage of the
// ingestion pipeline (spec §3) and the wire-level constants referenced by
// §6.
package wire

import (
	kafka "github.com/segmentio/kafka-go"
)

// ControlMessageType enumerates the terminal and segment control messages
// a leader ingestion task must understand.
type ControlMessageType int

const (
	StartOfPush ControlMessageType = iota
	EndOfPush
	StartOfSegment
	EndOfSegment
	StartOfIncrementalPush
	EndOfIncrementalPush
	TopicSwitch
	VersionSwap
)

func (t ControlMessageType) String() string {
	switch t {
	case StartOfPush:
		return "START_OF_PUSH"
	case EndOfPush:
		return "END_OF_PUSH"
	case StartOfSegment:
		return "START_OF_SEGMENT"
	case EndOfSegment:
		return "END_OF_SEGMENT"
	case StartOfIncrementalPush:
		return "START_OF_INCREMENTAL_PUSH"
	case EndOfIncrementalPush:
		return "END_OF_INCREMENTAL_PUSH"
	case TopicSwitch:
		return "TOPIC_SWITCH"
	case VersionSwap:
		return "VERSION_SWAP"
	default:
		return "UNKNOWN_CONTROL_MESSAGE"
	}
}

// EnvelopeKind tags which variant ValueEnvelope currently holds.
type EnvelopeKind int

const (
	KindPut EnvelopeKind = iota
	KindUpdate
	KindDelete
	KindControl
)

// ProducerMetadata identifies the (producer, segment, sequence) triple DIV
// tracks (spec §3 "DIV tracker").
type ProducerMetadata struct {
	ProducerGUID   string
	SegmentNumber  int32
	SequenceNumber int32
	ProducerTsMs   int64
}

type Put struct {
	SchemaID                     int32
	Value                        []byte
	ReplicationMetadataPayload   []byte
	ReplicationMetadataVersionID int32
}

type Update struct {
	SchemaID    int32
	UpdateBytes []byte
}

type Delete struct {
	SchemaID                   int32
	ReplicationMetadataPayload []byte
}

// ControlMessage carries a control message type plus the producer metadata
// and headers that ride alongside it on the wire.
type ControlMessage struct {
	Type             ControlMessageType
	ProducerMetadata ProducerMetadata
	Headers          []kafka.Header

	// TopicSwitchSourceTopic/TopicSwitchIsRemote apply only when
	// Type == TopicSwitch.
	TopicSwitchSourceTopic string
	TopicSwitchIsRemote    bool

	// EndOfSegmentChecksum is the rolling checksum the producer computed
	// over the segment's payload bytes; applies only when Type ==
	// EndOfSegment. DIV compares this against its own accumulated
	// checksum (spec §4.A).
	EndOfSegmentChecksum uint32
}

// ValueEnvelope is the tagged variant described in spec §3.
type ValueEnvelope struct {
	Kind    EnvelopeKind
	Put     *Put
	Update  *Update
	Delete  *Delete
	Control *ControlMessage
}

// Record is the log envelope: (key_bytes, value_envelope, offset,
// timestamp, upstream_cluster_id) plus the producer metadata DIV needs for
// every record, not only control messages.
type Record struct {
	KeyBytes          []byte
	Value             ValueEnvelope
	Offset            int64
	TimestampMs       int64
	UpstreamClusterID string
	UpstreamURL       string
	ProducerMetadata  ProducerMetadata
}

// HeartBeatKey is the reserved control-message key used for heartbeats.
var HeartBeatKey = []byte("HEART_BEAT")

// IsHeartBeat reports whether a record's key is the reserved heartbeat key.
func (r Record) IsHeartBeat() bool {
	return string(r.KeyBytes) == string(HeartBeatKey)
}

// Chunking sentinel schema ids (spec §6 "Wire-level expectations").
const (
	ChunkSchemaID                int32 = -10
	ChunkedValueManifestSchemaID int32 = -20
)

// NoSchemaID marks a record that carries no schema (skip path, spec §4.E).
const NoSchemaID int32 = -1

// TopicSwitchSentinelOffset is the implementation-defined sentinel used to
// suppress offset advancement on TOPIC_SWITCH production (spec §9). Must be
// distinguishable from any legal upstream offset.
const TopicSwitchSentinelOffset int64 = -1

// IsChunkingSchema reports whether id is one of the chunking sentinels.
func IsChunkingSchema(id int32) bool {
	return id == ChunkSchemaID || id == ChunkedValueManifestSchemaID
}
