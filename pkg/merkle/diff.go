package merkle

import (
	"sort"

	"github.com/provtrail/provtrail/pkg/model"
)

// ChangeKind classifies one entry of a tree diff.
type ChangeKind string

const (
	// ChangeAdd is a path present only in the newer tree
	ChangeAdd ChangeKind = "add"

	// ChangeModify is a path present in both trees with different digests
	ChangeModify ChangeKind = "modify"

	// ChangeDelete is a path present only in the older tree
	ChangeDelete ChangeKind = "delete"
)

// Change is one path-level difference between two trees.
type Change struct {
	Path string
	Kind ChangeKind
	Old  model.TreeEntry // zero for adds
	New  model.TreeEntry // zero for deletes
}

// TreeDiff computes the path-level changes from tree a to tree b, in
// path order. Entries with equal digests are elided even when their
// encodings differ: encoding is a storage concern, not content.
func TreeDiff(a, b model.TreeDescriptor) []Change {
	olds := make(map[string]model.TreeEntry, len(a.Entries))
	for _, e := range a.Entries {
		olds[e.Path] = e
	}
	news := make(map[string]model.TreeEntry, len(b.Entries))
	for _, e := range b.Entries {
		news[e.Path] = e
	}

	var changes []Change
	for path, ne := range news {
		oe, ok := olds[path]
		switch {
		case !ok:
			changes = append(changes, Change{Path: path, Kind: ChangeAdd, New: ne})
		case oe.Hash != ne.Hash || oe.Mode != ne.Mode:
			changes = append(changes, Change{Path: path, Kind: ChangeModify, Old: oe, New: ne})
		}
	}
	for path, oe := range olds {
		if _, ok := news[path]; !ok {
			changes = append(changes, Change{Path: path, Kind: ChangeDelete, Old: oe})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// ApplyChanges produces the tree that results from applying staged
// entries and deletions to a base tree.
func ApplyChanges(base model.TreeDescriptor, staged map[string]model.TreeEntry, deleted map[string]bool) model.TreeDescriptor {
	var next model.TreeDescriptor
	kept := make(map[string]bool, len(staged))
	for path, e := range staged {
		if deleted[path] {
			continue
		}
		kept[path] = true
		next.Entries = append(next.Entries, e)
	}
	for _, e := range base.Entries {
		if kept[e.Path] || deleted[e.Path] {
			continue
		}
		next.Entries = append(next.Entries, e)
	}
	next.Sort()
	return next
}
