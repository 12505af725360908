package cafs

import (
	"testing"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/policy"
	"github.com/stretchr/testify/require"
)

func TestSelectReprSmallContentIsFull(t *testing.T) {
	s := newSelector(policy.Default())
	d, body, err := s.selectRepr("small.txt", []byte("tiny\n"), nil, digest.Zero)
	require.NoError(t, err)
	require.Equal(t, reprFull, d.Repr)
	require.Nil(t, body)
}

func TestSelectReprTextEditIsDiff(t *testing.T) {
	s := newSelector(policy.Default())
	base := genLines(500, "stable")
	current := append(append([]byte{}, base...), []byte("appended line\n")...)

	d, body, err := s.selectRepr("file.go", current, base, digest.OfBytes(base))
	require.NoError(t, err)
	require.Equal(t, reprDiff, d.Repr)
	require.NotEmpty(t, body)

	got, err := applyDiff(base, body)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestSelectReprBinaryIsChunkMap(t *testing.T) {
	s := newSelector(policy.Default())
	content := randomBytes(t, 64*1024, 7)
	base := randomBytes(t, 64*1024, 8)

	d, body, err := s.selectRepr("image.png", content, base, digest.OfBytes(base))
	require.NoError(t, err)
	require.Equal(t, reprChunkMap, d.Repr)
	require.Nil(t, body)
}

func TestSelectReprNoBaseIsChunkMap(t *testing.T) {
	s := newSelector(policy.Default())
	content := genLines(500, "fresh")

	d, _, err := s.selectRepr("fresh.txt", content, nil, digest.Zero)
	require.NoError(t, err)
	require.Equal(t, reprChunkMap, d.Repr)
}

func TestSelectReprRewriteFallsBackToChunkMap(t *testing.T) {
	// a near-total rewrite produces a diff above the ratio threshold
	s := newSelector(policy.Default())
	base := genLines(500, "before")
	current := genLines(500, "after")

	d, _, err := s.selectRepr("file.txt", current, base, digest.OfBytes(base))
	require.NoError(t, err)
	require.Equal(t, reprChunkMap, d.Repr)
}

func TestSelectReprMissingFinalNewlineIsNotDiffed(t *testing.T) {
	s := newSelector(policy.Default())
	base := genLines(500, "stable")
	current := append(append([]byte{}, base...), []byte("no newline at end")...)

	d, _, err := s.selectRepr("file.txt", current, base, digest.OfBytes(base))
	require.NoError(t, err)
	require.NotEqual(t, reprDiff, d.Repr)
}

func TestSelectReprOverrides(t *testing.T) {
	cfg := policy.Default()
	cfg.Overrides = []policy.StrategyOverride{
		{Pattern: "**.lock", ForceRepr: model.EncodingFull, ForceCodec: policy.CodecNone},
	}
	s := newSelector(cfg)

	content := genLines(500, "lockfile")
	d, _, err := s.selectRepr("deps/Cargo.lock", content, nil, digest.Zero)
	require.NoError(t, err)
	require.Equal(t, reprFull, d.Repr)
	require.Equal(t, codecNone, d.Codec)
}

func TestSelectReprForcedDiffWithoutBaseDegradesToFull(t *testing.T) {
	cfg := policy.Default()
	cfg.Overrides = []policy.StrategyOverride{
		{Pattern: "*.log", ForceRepr: model.EncodingDiff},
	}
	s := newSelector(cfg)

	d, _, err := s.selectRepr("run.log", genLines(300, "log"), nil, digest.Zero)
	require.NoError(t, err)
	require.Equal(t, reprFull, d.Repr)
}

func TestSelectReprForcedDiffWithBaseCarriesBody(t *testing.T) {
	cfg := policy.Default()
	cfg.Overrides = []policy.StrategyOverride{
		{Pattern: "*.log", ForceRepr: model.EncodingDiff},
	}
	s := newSelector(cfg)

	base := genLines(300, "log")
	current := append(append([]byte{}, base...), []byte("one more entry\n")...)

	d, body, err := s.selectRepr("run.log", current, base, digest.OfBytes(base))
	require.NoError(t, err)
	require.Equal(t, reprDiff, d.Repr)
	require.NotEmpty(t, body)

	got, err := applyDiff(base, body)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestSelectReprForcedDiffOnBinaryDegradesToFull(t *testing.T) {
	cfg := policy.Default()
	cfg.Overrides = []policy.StrategyOverride{
		{Pattern: "*.bin", ForceRepr: model.EncodingDiff},
	}
	s := newSelector(cfg)

	base := randomBytes(t, 8*1024, 3)
	current := randomBytes(t, 8*1024, 4)

	d, body, err := s.selectRepr("data.bin", current, base, digest.OfBytes(base))
	require.NoError(t, err)
	require.Equal(t, reprFull, d.Repr)
	require.Nil(t, body)
}

func TestDetectEol(t *testing.T) {
	require.Equal(t, EolLF, DetectEol([]byte("a\nb\n")))
	require.Equal(t, EolCRLF, DetectEol([]byte("a\r\nb\r\n")))
	require.Equal(t, EolMixed, DetectEol([]byte("a\nb\r\n")))
	require.Equal(t, EolNone, DetectEol([]byte("no endings")))
}

func TestIsTextContent(t *testing.T) {
	require.True(t, isTextContent("main.go", []byte("package main\n")))
	require.False(t, isTextContent("blob.png", []byte("anything")))
	require.False(t, isTextContent("data.txt", []byte{'a', 0, 'b'}))
	require.True(t, isTextContent("no-extension", []byte("plain text\n")))
}
