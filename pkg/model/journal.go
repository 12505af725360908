package model

import (
	"encoding/json"
	"time"
)

// JournalKind discriminates journal record payloads.
type JournalKind string

const (
	// JournalSessionBegin records session creation
	JournalSessionBegin JournalKind = "session-begin"

	// JournalBlobWrite records completion of a content-addressed write
	JournalBlobWrite JournalKind = "blob-write"

	// JournalCommit records creation of a commit object
	JournalCommit JournalKind = "commit"

	// JournalRefUpdate records a ref create/advance/delete
	JournalRefUpdate JournalKind = "ref-update"

	// JournalCheckpointMark bounds replay: recovery starts at the last mark
	JournalCheckpointMark JournalKind = "checkpoint-mark"
)

// JournalRecord is one append-only, fsync-ordered record of an atomic
// step. Replay is idempotent through the unique operation id.
type JournalRecord struct {
	Seq       uint64      `json:"seq" yaml:"seq"`
	Op        string      `json:"op" yaml:"op"` // unique operation id (ksuid)
	Kind      JournalKind `json:"kind" yaml:"kind"`
	Session   string      `json:"session,omitempty" yaml:"session,omitempty"`
	Path      string      `json:"path,omitempty" yaml:"path,omitempty"`
	Hash      string      `json:"hash,omitempty" yaml:"hash,omitempty"`
	Commit    string      `json:"commit,omitempty" yaml:"commit,omitempty"`
	Ref       string      `json:"ref,omitempty" yaml:"ref,omitempty"`
	RefClass  RefClass    `json:"refClass,omitempty" yaml:"refClass,omitempty"`
	Deleted   bool        `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	Size      uint64      `json:"size,omitempty" yaml:"size,omitempty"`
	Timestamp time.Time   `json:"timestamp" yaml:"timestamp"`
	_         struct{}
}

// MarshalJournal serializes a journal record
func MarshalJournal(r JournalRecord) ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalJournal deserializes a journal record
func UnmarshalJournal(b []byte) (JournalRecord, error) {
	var r JournalRecord
	err := json.Unmarshal(b, &r)
	return r, err
}
