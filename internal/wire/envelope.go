package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MagicByte tags a serialized envelope as belonging to this wire format.
// Serialize writes it first, then an envelope-kind byte, then the variant's
// fields.
const MagicByte byte = 0x17

// Serialize encodes a Record's value envelope into the bytes a LogProducer
// sends downstream. Key bytes pass through unchanged.
func Serialize(rec Record) (key, value []byte, err error) {
	var buf bytes.Buffer
	buf.WriteByte(MagicByte)
	buf.WriteByte(byte(rec.Value.Kind))

	write := func(v any) error {
		if werr := binary.Write(&buf, binary.BigEndian, v); werr != nil {
			return fmt.Errorf("serialize record: %w", werr)
		}
		return nil
	}

	switch rec.Value.Kind {
	case KindPut:
		p := rec.Value.Put
		if err := write(p.SchemaID); err != nil {
			return nil, nil, err
		}
		if err := write(p.ReplicationMetadataVersionID); err != nil {
			return nil, nil, err
		}
		if err := writeLenPrefixed(&buf, p.ReplicationMetadataPayload); err != nil {
			return nil, nil, err
		}
		buf.Write(p.Value)

	case KindUpdate:
		u := rec.Value.Update
		if err := write(u.SchemaID); err != nil {
			return nil, nil, err
		}
		buf.Write(u.UpdateBytes)

	case KindDelete:
		d := rec.Value.Delete
		if err := write(d.SchemaID); err != nil {
			return nil, nil, err
		}
		buf.Write(d.ReplicationMetadataPayload)

	case KindControl:
		c := rec.Value.Control
		if err := write(int32(c.Type)); err != nil {
			return nil, nil, err
		}
		if err := write(c.ProducerMetadata.SegmentNumber); err != nil {
			return nil, nil, err
		}
		if err := write(c.ProducerMetadata.SequenceNumber); err != nil {
			return nil, nil, err
		}
		if err := write(c.EndOfSegmentChecksum); err != nil {
			return nil, nil, err
		}

	default:
		return nil, nil, fmt.Errorf("serialize record: unknown envelope kind %d", rec.Value.Kind)
	}

	return rec.KeyBytes, buf.Bytes(), nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) error {
	if len(b) > 0xFFFF {
		return fmt.Errorf("serialize record: field too long: %d bytes", len(b))
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(b))); err != nil {
		return fmt.Errorf("serialize record: %w", err)
	}
	buf.Write(b)
	return nil
}
