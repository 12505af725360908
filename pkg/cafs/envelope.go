package cafs

import (
	"encoding/binary"
	"encoding/json"

	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/model"
)

// Object envelope, prepended to every stored body:
//
//	offset 0: magic 'P','T'
//	offset 2: version (1)
//	offset 3: representation tag
//	offset 4: codec tag
//	offset 5: uvarint logical (uncompressed) size
//	then, for the diff representation only, the 32 byte base digest
//	then the (possibly compressed) body
//
// The digest of the object is always computed over the logical bytes,
// never over the envelope, so addressing is representation independent.

const envelopeVersion = 1

type reprTag uint8

const (
	reprFull     reprTag = 0
	reprDiff     reprTag = 1
	reprChunkMap reprTag = 2
)

func (t reprTag) Encoding() model.Encoding {
	switch t {
	case reprDiff:
		return model.EncodingDiff
	case reprChunkMap:
		return model.EncodingChunkMap
	default:
		return model.EncodingFull
	}
}

func reprFromEncoding(e model.Encoding) reprTag {
	switch e {
	case model.EncodingDiff:
		return reprDiff
	case model.EncodingChunkMap:
		return reprChunkMap
	default:
		return reprFull
	}
}

type envelope struct {
	Repr        reprTag
	Codec       codecTag
	LogicalSize int64
	Base        digest.Digest // set for reprDiff only
}

func encodeEnvelope(e envelope, body []byte) []byte {
	buf := make([]byte, 0, 5+binary.MaxVarintLen64+digest.Size+len(body))
	buf = append(buf, 'P', 'T', envelopeVersion, byte(e.Repr), byte(e.Codec))
	buf = binary.AppendUvarint(buf, uint64(e.LogicalSize))
	if e.Repr == reprDiff {
		buf = append(buf, e.Base[:]...)
	}
	return append(buf, body...)
}

func decodeEnvelope(raw []byte) (envelope, []byte, error) {
	var e envelope
	if len(raw) < 6 || raw[0] != 'P' || raw[1] != 'T' || raw[2] != envelopeVersion {
		return e, nil, status.ErrBadEnvelope
	}
	e.Repr = reprTag(raw[3])
	e.Codec = codecTag(raw[4])
	size, n := binary.Uvarint(raw[5:])
	if n <= 0 {
		return e, nil, status.ErrBadEnvelope
	}
	e.LogicalSize = int64(size)
	rest := raw[5+n:]
	if e.Repr == reprDiff {
		if len(rest) < digest.Size {
			return e, nil, status.ErrBadEnvelope
		}
		e.Base = digest.MustNew(rest[:digest.Size])
		rest = rest[digest.Size:]
	}
	return e, rest, nil
}

// chunkRef locates one chunk of a chunk-mapped object.
type chunkRef struct {
	Hash   string `json:"hash"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

type chunkMap struct {
	Chunks []chunkRef `json:"chunks"`
	Total  int64      `json:"total"`
}

func encodeChunkMap(m chunkMap) ([]byte, error) {
	return json.Marshal(m)
}

func decodeChunkMap(b []byte) (chunkMap, error) {
	var m chunkMap
	err := json.Unmarshal(b, &m)
	return m, err
}
