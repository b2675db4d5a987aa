package wire

import (
	"bytes"
	"fmt"
	"io"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"
)

// CompressMessage compresses data with the named codec ("gzip", "snappy",
// "lz4", "none"/""). Mirrors the broker's CompressMessage/DecompressMessage
// helper pair, extended here to cover Record value payloads.
func CompressMessage(data []byte, codec string) ([]byte, error) {
	switch codec {
	case "gzip":
		var buf bytes.Buffer
		w := kgzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), nil
	case "snappy":
		return s2.EncodeSnappy(nil, data), nil
	case "lz4":
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case "none", "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", codec)
	}
}

// DecompressMessage reverses CompressMessage.
func DecompressMessage(data []byte, codec string) ([]byte, error) {
	switch codec {
	case "gzip":
		r, err := kgzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil
	case "snappy":
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("snappy decompress: %w", err)
		}
		return out, nil
	case "lz4":
		r := lz4.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		return out, nil
	case "none", "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", codec)
	}
}
