package cafs

import (
	"math/bits"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/policy"
)

// gearPolynomial seeds the gear table. Golden ratio constant.
const gearPolynomial uint64 = 0x9e3779b97f4a7c15

// gearTable holds one 64 bit gear value per byte, derived from the
// polynomial with splitmix64 so identical content always yields
// identical boundaries, across processes and platforms.
var gearTable [256]uint64

func init() {
	state := gearPolynomial
	for i := range gearTable {
		state += gearPolynomial
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		gearTable[i] = z ^ (z >> 31)
	}
}

// chunker splits content at gear-hash boundaries so local edits only
// perturb nearby chunk boundaries, maximizing cross-version dedup.
type chunker struct {
	minSize int
	maxSize int
	mask    uint64
}

func newChunker(cfg policy.Chunking) *chunker {
	target := cfg.TargetSize
	if target <= 0 {
		target = policy.DefaultChunkSize
	}
	minSize := int(cfg.MinSize)
	if minSize <= 0 {
		minSize = int(policy.DefaultMinChunkSize)
	}
	maxSize := int(cfg.MaxSize)
	if maxSize <= 0 {
		maxSize = int(policy.DefaultMaxChunkSize)
	}
	// boundary probability 1/target: mask with log2(target) low bits
	return &chunker{
		minSize: minSize,
		maxSize: maxSize,
		mask:    1<<uint(bits.Len64(uint64(target))-1) - 1,
	}
}

// span is one chunk boundary decision.
type span struct {
	offset int
	length int
}

// split returns the chunk spans of content. Deterministic: identical
// content always yields identical spans.
func (c *chunker) split(content []byte) []span {
	if len(content) == 0 {
		return nil
	}
	spans := make([]span, 0, len(content)/c.minSize+1)
	start := 0
	var h uint64
	for i := 0; i < len(content); i++ {
		h = (h << 1) + gearTable[content[i]]
		length := i - start + 1
		if length < c.minSize {
			continue
		}
		if h&c.mask == 0 || length >= c.maxSize {
			spans = append(spans, span{offset: start, length: length})
			start = i + 1
			h = 0
		}
	}
	if start < len(content) {
		spans = append(spans, span{offset: start, length: len(content) - start})
	}
	return spans
}

// mapContent chunks content and returns the chunk map along with the
// chunk payloads keyed by digest, ready for storage.
func (c *chunker) mapContent(content []byte) (chunkMap, map[digest.Digest][]byte) {
	spans := c.split(content)
	m := chunkMap{Total: int64(len(content)), Chunks: make([]chunkRef, 0, len(spans))}
	payloads := make(map[digest.Digest][]byte, len(spans))
	for _, s := range spans {
		data := content[s.offset : s.offset+s.length]
		d := digest.OfBytes(data)
		m.Chunks = append(m.Chunks, chunkRef{
			Hash:   d.String(),
			Offset: int64(s.offset),
			Length: int64(s.length),
		})
		payloads[d] = data
	}
	return m, payloads
}
