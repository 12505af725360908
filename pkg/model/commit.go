package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/provtrail/provtrail/pkg/digest"
)

const (
	// CurrentCommitVersion of the commit descriptor schema
	CurrentCommitVersion = 1
)

// Encoding describes how a blob's logical content is represented on disk.
type Encoding string

const (
	// EncodingFull stores the content verbatim
	EncodingFull Encoding = "full"

	// EncodingDiff stores the content as a unified diff against a base blob
	EncodingDiff Encoding = "diff"

	// EncodingChunkMap stores the content as an ordered list of chunk blobs
	EncodingChunkMap Encoding = "chunkmap"
)

// CommitDescriptor represents an immutable snapshot of a session's
// complete path to digest mapping.
//
// The commit id is itself a digest over (tree, parent, timestamp), so
// any tampering with tracked content changes the id.
type CommitDescriptor struct {
	ID         string    `json:"id" yaml:"id"`
	Parent     string    `json:"parent,omitempty" yaml:"parent,omitempty"`
	Tree       string    `json:"tree" yaml:"tree"`
	Timestamp  time.Time `json:"timestamp" yaml:"timestamp"`
	Label      string    `json:"label,omitempty" yaml:"label,omitempty"`
	Session    string    `json:"session" yaml:"session"`
	EntryCount uint64    `json:"count" yaml:"count"`
	Version    uint64    `json:"version,omitempty" yaml:"version,omitempty"`
	_          struct{}
}

// TreeEntry is one file in a commit tree.
type TreeEntry struct {
	Path     string   `json:"path" yaml:"path"`
	Hash     string   `json:"hash" yaml:"hash"`
	Size     uint64   `json:"size" yaml:"size"`
	Mode     uint32   `json:"mode" yaml:"mode"`
	Encoding Encoding `json:"encoding" yaml:"encoding"`
	Source   string   `json:"source,omitempty" yaml:"source,omitempty"` // provenance of the change
	_        struct{}
}

// TreeDescriptor is the full, sorted path to digest mapping of a commit.
type TreeDescriptor struct {
	Entries []TreeEntry `json:"entries" yaml:"entries"`
	_       struct{}
}

// Sort orders entries by path, the canonical order for hashing.
func (t *TreeDescriptor) Sort() {
	sort.Slice(t.Entries, func(i, j int) bool {
		return t.Entries[i].Path < t.Entries[j].Path
	})
}

// Digest computes the canonical digest of the tree. Entries must be
// sorted first; Digest sorts defensively so identical mappings always
// produce identical digests.
func (t *TreeDescriptor) Digest() digest.Digest {
	t.Sort()
	var buf bytes.Buffer
	for _, e := range t.Entries {
		fmt.Fprintf(&buf, "%s\x00%s\x00%d\x00%o\n", e.Path, e.Hash, e.Size, e.Mode)
	}
	return digest.OfBytes(buf.Bytes())
}

// Entry looks up a path in the tree.
func (t *TreeDescriptor) Entry(path string) (TreeEntry, bool) {
	for _, e := range t.Entries {
		if e.Path == path {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// CommitID derives the tamper-evident commit id from the tree digest,
// parent id and timestamp. Identical inputs always produce identical ids.
func CommitID(tree digest.Digest, parent string, ts time.Time) digest.Digest {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\nparent %s\ntimestamp %d\n", tree, parent, ts.UTC().UnixNano())
	return digest.OfBytes(buf.Bytes())
}

// MarshalCommit serializes a commit descriptor
func MarshalCommit(c CommitDescriptor) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCommit deserializes a commit descriptor
func UnmarshalCommit(b []byte) (CommitDescriptor, error) {
	var c CommitDescriptor
	err := json.Unmarshal(b, &c)
	return c, err
}

// MarshalTree serializes a tree descriptor
func MarshalTree(t TreeDescriptor) ([]byte, error) {
	t.Sort()
	return json.Marshal(t)
}

// UnmarshalTree deserializes a tree descriptor
func UnmarshalTree(b []byte) (TreeDescriptor, error) {
	var t TreeDescriptor
	err := json.Unmarshal(b, &t)
	return t, err
}

// GetCommitTimeStamp returns the timestamp recorded in new commits
func GetCommitTimeStamp() time.Time {
	return time.Now().UTC()
}
