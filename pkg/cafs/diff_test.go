package cafs

import (
	"strings"
	"testing"

	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/stretchr/testify/require"
)

func genLines(n int, prefix string) []byte {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString(prefix)
		b.WriteString(" line ")
		b.WriteByte(byte('0' + i%10))
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func TestDiffRoundTrip(t *testing.T) {
	base := []byte("alpha\nbeta\ngamma\ndelta\n")
	current := []byte("alpha\nbeta modified\ngamma\ndelta\nepsilon\n")

	d, err := generateDiff(base, current)
	require.NoError(t, err)
	require.NotEmpty(t, d)

	got, err := applyDiff(base, d)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestDiffRoundTripBaseWithinContextWindow(t *testing.T) {
	// a base shorter than the context window puts every base line into
	// the hunk; the claimed line counts must match the base exactly
	base := []byte("alpha\nbeta\ngamma\ndelta\n")
	current := []byte("alpha\nbeta\ngamma\ndelta\nepsilon\n")

	d, err := generateDiff(base, current)
	require.NoError(t, err)
	require.Contains(t, string(d), "@@ -1,4 +1,5 @@")

	got, err := applyDiff(base, d)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestDiffRoundTripLargeEdit(t *testing.T) {
	base := genLines(200, "keep")
	current := append(genLines(100, "keep"), genLines(50, "new")...)

	d, err := generateDiff(base, current)
	require.NoError(t, err)
	got, err := applyDiff(base, d)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestDiffPureInsertion(t *testing.T) {
	base := []byte("one\ntwo\n")
	current := []byte("one\ninserted\ntwo\n")

	d, err := generateDiff(base, current)
	require.NoError(t, err)
	got, err := applyDiff(base, d)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestDiffPureDeletion(t *testing.T) {
	base := []byte("one\ntwo\nthree\n")
	current := []byte("one\nthree\n")

	d, err := generateDiff(base, current)
	require.NoError(t, err)
	got, err := applyDiff(base, d)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestDiffAgainstWrongBaseIsCorruption(t *testing.T) {
	base := []byte("alpha\nbeta\ngamma\n")
	current := []byte("alpha\nbeta changed\ngamma\n")

	d, err := generateDiff(base, current)
	require.NoError(t, err)

	_, err = applyDiff([]byte("totally\ndifferent\ncontent\n"), d)
	require.Error(t, err)
	require.True(t, errors.Is(err, status.ErrCorruption))
}

func TestDiffGarbageIsCorruption(t *testing.T) {
	_, err := applyDiff([]byte("a\n"), []byte("not a diff at all"))
	require.Error(t, err)
	require.True(t, errors.Is(err, status.ErrCorruption))
}
