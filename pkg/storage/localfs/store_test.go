package localfs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/storage"
	"github.com/provtrail/provtrail/pkg/storage/status"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := New(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	err := s.Put(ctx, "blobs/ab/abcd", bytes.NewReader([]byte("payload")), storage.NoOverWrite)
	require.NoError(t, err)

	rdr, err := s.Get(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	got, err := io.ReadAll(rdr)
	require.NoError(t, err)
	require.NoError(t, rdr.Close())
	require.Equal(t, []byte("payload"), got)

	has, err := s.Has(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	require.True(t, has)
}

func TestPutNoOverWrite(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("one")), storage.NoOverWrite))
	err := s.Put(ctx, "k", bytes.NewReader([]byte("two")), storage.NoOverWrite)
	require.Error(t, err)
	require.True(t, errors.Is(err, status.ErrExists))

	// the first write is untouched
	rdr, err := s.Get(ctx, "k")
	require.NoError(t, err)
	got, _ := io.ReadAll(rdr)
	_ = rdr.Close()
	require.Equal(t, []byte("one"), got)

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("two")), storage.OverWrite))
}

func TestConcurrentPutsOfIdenticalContentConverge(t *testing.T) {
	ctx := context.Background()
	s, err := New(nil, t.TempDir())
	require.NoError(t, err)

	content := []byte("same bytes either way")
	for round := 0; round < 10; round++ {
		key := "blobs/cc/" + string(rune('a'+round))

		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Put(ctx, key, bytes.NewReader(content), storage.NoOverWrite)
			}()
		}
		wg.Wait()
		close(errs)

		// a loser may observe ErrExists, never a stage-file race
		for err := range errs {
			if err != nil {
				require.True(t, errors.Is(err, status.ErrExists))
			}
		}

		rdr, err := s.Get(ctx, key)
		require.NoError(t, err)
		got, err := io.ReadAll(rdr)
		require.NoError(t, err)
		require.NoError(t, rdr.Close())
		require.Equal(t, content, got)
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	_, err := s.Get(ctx, "nope")
	require.True(t, errors.Is(err, status.ErrNotFound))

	_, err = s.GetAttr(ctx, "nope")
	require.True(t, errors.Is(err, status.ErrNotFound))
}

func TestGetAttr(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Put(ctx, "a/b", bytes.NewReader([]byte("12345")), storage.NoOverWrite))
	attr, err := s.GetAttr(ctx, "a/b")
	require.NoError(t, err)
	require.EqualValues(t, 5, attr.Size)
	require.False(t, attr.Updated.IsZero())
}

func TestKeysPrefix(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	for _, k := range []string{"refs/session/b.json", "refs/session/a.json", "blobs/aa/aa11"} {
		require.NoError(t, s.Put(ctx, k, bytes.NewReader([]byte("x")), storage.NoOverWrite))
	}

	keys, err := s.KeysPrefix(ctx, "refs/session/")
	require.NoError(t, err)
	require.Equal(t, []string{"refs/session/a.json", "refs/session/b.json"}, keys)

	all, err := s.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("x")), storage.NoOverWrite))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))

	has, err := s.Has(ctx, "k")
	require.NoError(t, err)
	require.False(t, has)
}

func TestStagingAreaIsNotAKey(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	err := s.Put(ctx, ".put-stage/sneaky", bytes.NewReader([]byte("x")), storage.NoOverWrite)
	require.Error(t, err)

	_, err = s.Has(ctx, ".put-stage/sneaky")
	require.Error(t, err)
}
