package digest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestDeterminism(t *testing.T) {
	d1 := OfBytes([]byte("hello\n"))
	d2 := OfBytes([]byte("hello\n"))
	require.Equal(t, d1, d2)
	require.NotEqual(t, d1, OfBytes([]byte("hello world\n")))
}

func TestDigestHexRoundTrip(t *testing.T) {
	d := OfBytes([]byte("some content"))
	s := d.String()
	require.Len(t, s, SizeHex)

	parsed, err := FromString(s)
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestDigestFromStringRejectsBadInput(t *testing.T) {
	_, err := FromString("zz")
	require.Error(t, err)

	_, err = FromString(strings.Repeat("ab", 3))
	require.Error(t, err)
	require.IsType(t, &BadDigestSize{}, err)
}

func TestHasherMatchesOfBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 1000)

	h := NewHasher()
	for i := 0; i < len(payload); i += 100 {
		_, err := h.Write(payload[i : i+100])
		require.NoError(t, err)
	}
	require.Equal(t, OfBytes(payload), h.Digest())
}

func TestOfReader(t *testing.T) {
	payload := []byte("stream me")
	d, n, err := OfReader(bytes.NewReader(payload))
	require.NoError(t, err)
	require.EqualValues(t, len(payload), n)
	require.Equal(t, OfBytes(payload), d)
}

func TestZeroDigest(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.False(t, OfBytes(nil).IsZero())
}
