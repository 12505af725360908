package merkle

import (
	"bytes"
	"context"
	"testing"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/storage"
	"github.com/provtrail/provtrail/pkg/storage/localfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	backend, err := localfs.New(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	return New(backend), backend
}

func sampleTree(paths ...string) model.TreeDescriptor {
	var tree model.TreeDescriptor
	for _, p := range paths {
		tree.Entries = append(tree.Entries, model.TreeEntry{
			Path:     p,
			Hash:     digest.OfBytes([]byte(p)).String(),
			Size:     uint64(len(p)),
			Mode:     0644,
			Encoding: model.EncodingFull,
		})
	}
	return tree
}

func TestTreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	tree := sampleTree("a.txt", "b/c.txt")
	d, err := s.PutTree(ctx, tree)
	require.NoError(t, err)

	got, err := s.GetTree(ctx, d)
	require.NoError(t, err)
	require.Equal(t, d, got.Digest())

	// identical trees land on the same object
	again, err := s.PutTree(ctx, tree)
	require.NoError(t, err)
	require.Equal(t, d, again)
}

func TestCommitChain(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	c1, err := s.Commit(ctx, sampleTree("a"), "", "sess", "")
	require.NoError(t, err)
	require.Empty(t, c1.Parent)
	require.EqualValues(t, 1, c1.EntryCount)

	c2, err := s.Commit(ctx, sampleTree("a", "b"), c1.ID, "sess", "v2")
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.Parent)
	require.Equal(t, "v2", c2.Label)

	var ids []string
	err = s.WalkAncestry(ctx, c2.ID, func(c model.CommitDescriptor) bool {
		ids = append(ids, c.ID)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []string{c2.ID, c1.ID}, ids)

	has, err := s.HasCommit(ctx, c1.ID)
	require.NoError(t, err)
	require.True(t, has)

	all, err := s.ListCommits(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{c1.ID, c2.ID}, all)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	s, backend := testStore(t)

	c, err := s.Commit(ctx, sampleTree("a"), "", "sess", "")
	require.NoError(t, err)

	ok, err := s.Verify(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// rewrite the descriptor with a different parent
	forged := c
	forged.Parent = "someone-else"
	raw, err := model.MarshalCommit(forged)
	require.NoError(t, err)
	require.NoError(t, backend.Put(ctx, model.GetArchivePathToCommit(c.ID), bytes.NewReader(raw), storage.OverWrite))

	ok, err = s.Verify(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeDiff(t *testing.T) {
	a := sampleTree("keep", "change", "drop")
	b := sampleTree("keep", "add")
	b.Entries = append(b.Entries, model.TreeEntry{Path: "change", Hash: "different", Size: 1, Mode: 0644})
	b.Sort()

	changes := TreeDiff(a, b)
	kinds := map[string]ChangeKind{}
	for _, c := range changes {
		kinds[c.Path] = c.Kind
	}
	require.Equal(t, ChangeKind("add"), kinds["add"])
	require.Equal(t, ChangeKind("modify"), kinds["change"])
	require.Equal(t, ChangeKind("delete"), kinds["drop"])
	require.NotContains(t, kinds, "keep")
}

func TestApplyChanges(t *testing.T) {
	base := sampleTree("a", "b", "c")
	staged := map[string]model.TreeEntry{
		"b": {Path: "b", Hash: "new-b", Size: 1, Mode: 0644},
		"d": {Path: "d", Hash: "new-d", Size: 1, Mode: 0644},
	}
	deleted := map[string]bool{"c": true}

	next := ApplyChanges(base, staged, deleted)
	require.Len(t, next.Entries, 3)

	paths := make([]string, 0, len(next.Entries))
	for _, e := range next.Entries {
		paths = append(paths, e.Path)
	}
	require.Equal(t, []string{"a", "b", "d"}, paths)

	e, ok := next.Entry("b")
	require.True(t, ok)
	require.Equal(t, "new-b", e.Hash)
}
