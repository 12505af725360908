package model

import (
	"testing"
	"time"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/stretchr/testify/require"
)

func TestTreeDigestIsOrderIndependent(t *testing.T) {
	a := TreeDescriptor{Entries: []TreeEntry{
		{Path: "b.txt", Hash: "hb", Size: 2, Mode: 0644},
		{Path: "a.txt", Hash: "ha", Size: 1, Mode: 0644},
	}}
	b := TreeDescriptor{Entries: []TreeEntry{
		{Path: "a.txt", Hash: "ha", Size: 1, Mode: 0644},
		{Path: "b.txt", Hash: "hb", Size: 2, Mode: 0644},
	}}
	require.Equal(t, a.Digest(), b.Digest())
}

func TestTreeDigestChangesWithContent(t *testing.T) {
	a := TreeDescriptor{Entries: []TreeEntry{{Path: "a.txt", Hash: "ha", Size: 1, Mode: 0644}}}
	b := TreeDescriptor{Entries: []TreeEntry{{Path: "a.txt", Hash: "hx", Size: 1, Mode: 0644}}}
	require.NotEqual(t, a.Digest(), b.Digest())
}

func TestCommitIDDeterminism(t *testing.T) {
	tree := digest.OfBytes([]byte("tree"))
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	id1 := CommitID(tree, "parent", ts)
	id2 := CommitID(tree, "parent", ts)
	require.Equal(t, id1, id2)

	require.NotEqual(t, id1, CommitID(tree, "other", ts))
	require.NotEqual(t, id1, CommitID(tree, "parent", ts.Add(time.Nanosecond)))
}

func TestCommitRoundTrip(t *testing.T) {
	c := CommitDescriptor{
		ID:         "abc",
		Tree:       "def",
		Timestamp:  time.Now().UTC().Truncate(time.Second),
		Session:    "s1",
		EntryCount: 2,
		Version:    CurrentCommitVersion,
	}
	raw, err := MarshalCommit(c)
	require.NoError(t, err)
	got, err := UnmarshalCommit(raw)
	require.NoError(t, err)
	require.Equal(t, c, got)
}

func TestTreeEntryLookup(t *testing.T) {
	tree := TreeDescriptor{Entries: []TreeEntry{
		{Path: "x", Hash: "hx"},
		{Path: "y", Hash: "hy"},
	}}
	e, ok := tree.Entry("y")
	require.True(t, ok)
	require.Equal(t, "hy", e.Hash)

	_, ok = tree.Entry("z")
	require.False(t, ok)
}
