package cafs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	lz4 "github.com/pierrec/lz4/v4"
	"github.com/provtrail/provtrail/pkg/policy"
)

// codecTag identifies the compression algorithm of a stored body.
// Tags are stored in object envelopes (1 byte each); changing them
// breaks on-disk compatibility.
type codecTag uint8

const (
	codecNone codecTag = 0
	codecZstd codecTag = 1
	codecLZ4  codecTag = 2
)

func codecFromPolicy(c policy.Codec) codecTag {
	switch c {
	case policy.CodecZstd:
		return codecZstd
	case policy.CodecLZ4:
		return codecLZ4
	default:
		return codecNone
	}
}

func (t codecTag) String() string {
	switch t {
	case codecNone:
		return "none"
	case codecZstd:
		return "zstd"
	case codecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// compressBody compresses data with the given codec. codecNone returns
// the input unchanged (no copy).
func compressBody(data []byte, tag codecTag, level int) ([]byte, error) {
	switch tag {
	case codecNone:
		return data, nil
	case codecZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, err
		}
		out := enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		_ = enc.Close()
		return out, nil
	case codecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec tag: %d", tag)
	}
}

// decompressBody reverses compressBody. The logical size from the
// envelope bounds the output; a mismatch is reported by the caller's
// digest verification.
func decompressBody(data []byte, tag codecTag, logicalSize int64) ([]byte, error) {
	switch tag {
	case codecNone:
		return data, nil
	case codecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, make([]byte, 0, logicalSize))
	case codecLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		out := bytes.NewBuffer(make([]byte, 0, logicalSize))
		if _, err := io.Copy(out, r); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	default:
		return nil, fmt.Errorf("unsupported codec tag: %d", tag)
	}
}
