package cafs

import (
	"bytes"
	"context"
	"testing"

	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/policy"
	"github.com/provtrail/provtrail/pkg/storage"
	"github.com/provtrail/provtrail/pkg/storage/localfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testFs(t *testing.T) (Fs, storage.Store) {
	t.Helper()
	backend, err := localfs.New(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	fs, err := New(backend, policy.Default())
	require.NoError(t, err)
	return fs, backend
}

func TestPutGetFullRepr(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	content := []byte("hello\n")
	res, err := fs.Put(ctx, "file.txt", content, digest.Zero)
	require.NoError(t, err)
	require.False(t, res.Found)
	require.Equal(t, model.EncodingFull, res.Encoding)
	require.Equal(t, digest.OfBytes(content), res.Hash)

	got, err := fs.Get(ctx, res.Hash)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	content := []byte("same bytes\n")
	first, err := fs.Put(ctx, "a.txt", content, digest.Zero)
	require.NoError(t, err)
	require.False(t, first.Found)
	require.Positive(t, first.StoredBytes)

	second, err := fs.Put(ctx, "a.txt", content, digest.Zero)
	require.NoError(t, err)
	require.True(t, second.Found)
	require.Equal(t, first.Hash, second.Hash)
	require.Zero(t, second.StoredBytes)
}

func TestPutGetDiffRepr(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	base := genLines(500, "stable")
	baseRes, err := fs.Put(ctx, "file.txt", base, digest.Zero)
	require.NoError(t, err)

	current := append(append([]byte{}, base...), []byte("one more line\n")...)
	res, err := fs.Put(ctx, "file.txt", current, baseRes.Hash)
	require.NoError(t, err)
	require.Equal(t, model.EncodingDiff, res.Encoding)

	got, err := fs.Get(ctx, res.Hash)
	require.NoError(t, err)
	require.Equal(t, current, got)

	info, err := fs.Info(ctx, res.Hash)
	require.NoError(t, err)
	require.Equal(t, model.EncodingDiff, info.Encoding)
	require.Equal(t, baseRes.Hash, info.Base)
	require.EqualValues(t, len(current), info.LogicalSize)

	deps, err := fs.Dependencies(ctx, res.Hash)
	require.NoError(t, err)
	require.Equal(t, []digest.Digest{baseRes.Hash}, deps)
}

func TestPutGetForcedDiffOverride(t *testing.T) {
	ctx := context.Background()
	backend, err := localfs.New(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	cfg := policy.Default()
	cfg.Overrides = []policy.StrategyOverride{
		{Pattern: "*.log", ForceRepr: model.EncodingDiff},
	}
	fs, err := New(backend, cfg)
	require.NoError(t, err)

	base := genLines(10, "entry")
	baseRes, err := fs.Put(ctx, "run.log", base, digest.Zero)
	require.NoError(t, err)

	current := append(append([]byte{}, base...), []byte("appended entry\n")...)
	res, err := fs.Put(ctx, "run.log", current, baseRes.Hash)
	require.NoError(t, err)
	require.Equal(t, model.EncodingDiff, res.Encoding)

	got, err := fs.Get(ctx, res.Hash)
	require.NoError(t, err)
	require.Equal(t, current, got)
}

func TestPutGetChunkMapRepr(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	content := randomBytes(t, 300*1024, 11)
	res, err := fs.Put(ctx, "data.bin", content, digest.Zero)
	require.NoError(t, err)
	require.Equal(t, model.EncodingChunkMap, res.Encoding)
	require.Greater(t, res.StoredObjects, int64(1))

	got, err := fs.Get(ctx, res.Hash)
	require.NoError(t, err)
	require.Equal(t, content, got)

	deps, err := fs.Dependencies(ctx, res.Hash)
	require.NoError(t, err)
	require.NotEmpty(t, deps)
}

func TestChunkDedupAcrossObjects(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	content := randomBytes(t, 300*1024, 12)
	first, err := fs.Put(ctx, "v1.bin", content, digest.Zero)
	require.NoError(t, err)

	// a small edit near the start shares most chunks
	edited := append([]byte{}, content...)
	copy(edited[100:], []byte("EDIT"))
	second, err := fs.Put(ctx, "v2.bin", edited, digest.Zero)
	require.NoError(t, err)
	require.Less(t, second.StoredBytes, first.StoredBytes/2)
}

func TestGetMissingBlob(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	_, err := fs.Get(ctx, digest.OfBytes([]byte("never stored")))
	require.True(t, errors.Is(err, status.ErrNotFound))
}

func TestGetTamperedBlobIsCorruption(t *testing.T) {
	ctx := context.Background()
	fs, backend := testFs(t)

	content := []byte("authentic\n")
	res, err := fs.Put(ctx, "f.txt", content, digest.Zero)
	require.NoError(t, err)

	// overwrite the stored object with a valid envelope holding
	// different logical bytes
	forged := encodeEnvelope(envelope{Repr: reprFull, Codec: codecNone, LogicalSize: 6}, []byte("forged"))
	key := model.GetArchivePathToBlob(res.Hash.String())
	require.NoError(t, backend.Put(ctx, key, bytes.NewReader(forged), storage.OverWrite))

	_, err = fs.Get(ctx, res.Hash)
	require.True(t, errors.Is(err, status.ErrCorruption))
}

func TestGetMissingDiffBaseIsCorruption(t *testing.T) {
	ctx := context.Background()
	fs, backend := testFs(t)

	base := genLines(500, "stable")
	baseRes, err := fs.Put(ctx, "f.txt", base, digest.Zero)
	require.NoError(t, err)

	current := append(append([]byte{}, base...), []byte("tail\n")...)
	res, err := fs.Put(ctx, "f.txt", current, baseRes.Hash)
	require.NoError(t, err)
	require.Equal(t, model.EncodingDiff, res.Encoding)

	require.NoError(t, backend.Delete(ctx, model.GetArchivePathToBlob(baseRes.Hash.String())))

	_, err = fs.Get(ctx, res.Hash)
	require.True(t, errors.Is(err, status.ErrCorruption))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	res, err := fs.Put(ctx, "ok.txt", []byte("fine\n"), digest.Zero)
	require.NoError(t, err)
	require.NoError(t, fs.Verify(ctx, res.Hash))
	require.Error(t, fs.Verify(ctx, digest.OfBytes([]byte("absent"))))
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	fs, _ := testFs(t)

	r1, err := fs.Put(ctx, "a", []byte("one\n"), digest.Zero)
	require.NoError(t, err)
	r2, err := fs.Put(ctx, "b", []byte("two\n"), digest.Zero)
	require.NoError(t, err)

	keys, err := fs.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []digest.Digest{r1.Hash, r2.Hash}, keys)
}

func TestPackAndReadBack(t *testing.T) {
	ctx := context.Background()
	fs, backend := testFs(t)

	var hashes []digest.Digest
	contents := map[string][]byte{}
	for _, s := range []string{"one\n", "two\n", "three\n"} {
		res, err := fs.Put(ctx, s, []byte(s), digest.Zero)
		require.NoError(t, err)
		hashes = append(hashes, res.Hash)
		contents[res.Hash.String()] = []byte(s)
	}

	packed, err := fs.Pack(ctx, 1024, nil)
	require.NoError(t, err)
	require.Equal(t, 3, packed)

	// loose copies are gone, content still reads back through the pack
	for _, h := range hashes {
		has, err := backend.Has(ctx, model.GetArchivePathToBlob(h.String()))
		require.NoError(t, err)
		require.False(t, has)

		got, err := fs.Get(ctx, h)
		require.NoError(t, err)
		require.Equal(t, contents[h.String()], got)

		ok, err := fs.Has(ctx, h)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// packed content also survives a fresh index load
	fresh, err := New(backend, policy.Default())
	require.NoError(t, err)
	got, err := fresh.Get(ctx, hashes[0])
	require.NoError(t, err)
	require.Equal(t, contents[hashes[0].String()], got)
}
