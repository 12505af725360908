package cafs

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/provtrail/provtrail/pkg/policy"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	_, err := r.Read(b)
	require.NoError(t, err)
	return b
}

func TestChunkerSpansCoverContent(t *testing.T) {
	c := newChunker(policy.Default().Chunking)
	content := randomBytes(t, 300*1024, 1)

	spans := c.split(content)
	require.NotEmpty(t, spans)

	var total int
	offset := 0
	for _, s := range spans {
		require.Equal(t, offset, s.offset)
		require.Positive(t, s.length)
		offset += s.length
		total += s.length
	}
	require.Equal(t, len(content), total)
}

func TestChunkerRespectsSizeBounds(t *testing.T) {
	c := newChunker(policy.Default().Chunking)
	content := randomBytes(t, 500*1024, 2)

	spans := c.split(content)
	for i, s := range spans {
		require.LessOrEqual(t, s.length, c.maxSize)
		if i < len(spans)-1 {
			require.GreaterOrEqual(t, s.length, c.minSize)
		}
	}
}

func TestChunkerIsDeterministic(t *testing.T) {
	c := newChunker(policy.Default().Chunking)
	content := randomBytes(t, 200*1024, 3)
	require.Equal(t, c.split(content), c.split(content))
}

func TestChunkerLocalEditPreservesDistantBoundaries(t *testing.T) {
	c := newChunker(policy.Default().Chunking)
	content := randomBytes(t, 400*1024, 4)

	edited := append([]byte{}, content...)
	copy(edited[1000:], []byte("EDITED"))

	a, _ := c.mapContent(content)
	b, _ := c.mapContent(edited)

	shared := make(map[string]bool, len(a.Chunks))
	for _, ref := range a.Chunks {
		shared[ref.Hash] = true
	}
	reused := 0
	for _, ref := range b.Chunks {
		if shared[ref.Hash] {
			reused++
		}
	}
	// an edit near the start must not rewrite the tail
	require.Greater(t, reused, len(b.Chunks)/2)
}

func TestMapContentReassembles(t *testing.T) {
	c := newChunker(policy.Default().Chunking)
	content := randomBytes(t, 100*1024, 5)

	m, payloads := c.mapContent(content)
	require.EqualValues(t, len(content), m.Total)

	var out bytes.Buffer
	for _, ref := range m.Chunks {
		for h, data := range payloads {
			if h.String() == ref.Hash {
				out.Write(data)
				break
			}
		}
	}
	require.Equal(t, content, out.Bytes())
}

func TestChunkerEmptyContent(t *testing.T) {
	c := newChunker(policy.Default().Chunking)
	require.Empty(t, c.split(nil))
}
