package core

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/provtrail/provtrail/pkg/core/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// sessionState tracks a session's staged, not yet committed changes.
// opMu serializes mutations of one session end to end: the
// compare-and-swap precondition and the staging apply must not
// interleave with another writer or a concurrent checkpoint.
type sessionState struct {
	opMu     sync.Mutex
	desc     model.SessionDescriptor
	baseTree model.TreeDescriptor
	staged   map[string]model.TreeEntry
	deleted  map[string]bool
}

func newSessionState(desc model.SessionDescriptor) *sessionState {
	return &sessionState{
		desc:    desc,
		staged:  make(map[string]model.TreeEntry),
		deleted: make(map[string]bool),
	}
}

// currentHash returns the hash the store holds for path right now:
// staged first, then the committed base tree.
func (st *sessionState) currentHash(path string) string {
	if st.deleted[path] {
		return ""
	}
	if e, ok := st.staged[path]; ok {
		return e.Hash
	}
	if e, ok := st.baseTree.Entry(path); ok {
		return e.Hash
	}
	return ""
}

// ConflictError reports a failed compare-and-swap precondition on a
// recorded change.
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: expected base %q, store holds %q", e.Path, e.Expected, e.Actual)
}

// BeginSession starts a new unit of work and returns its descriptor.
func (s *Store) BeginSession(ctx context.Context, meta map[string]string) (model.SessionDescriptor, error) {
	if err := s.checkOpen(); err != nil {
		return model.SessionDescriptor{}, err
	}
	desc := model.SessionDescriptor{
		ID:      ksuid.New().String(),
		Meta:    meta,
		Created: time.Now().UTC(),
	}

	if _, err := s.wal.Append(ctx, model.JournalRecord{
		Kind:    model.JournalSessionBegin,
		Session: desc.ID,
	}); err != nil {
		return model.SessionDescriptor{}, err
	}
	if err := s.writeSession(ctx, desc); err != nil {
		return model.SessionDescriptor{}, err
	}

	s.mu.Lock()
	s.sessions[desc.ID] = newSessionState(desc)
	s.mu.Unlock()

	s.l.Info("session begun", zap.String("session", desc.ID))
	return desc, nil
}

// Change is one observed file mutation to record.
type Change struct {
	Path    string
	Content []byte
	Mode    uint32
	Source  string // provenance of the change (tool, agent step)
	// ExpectedHash, when set, must equal the store's current digest for
	// Path or the record is rejected with a ConflictError.
	ExpectedHash string
	Delete       bool
	_            struct{}
}

// RecordResult reports the outcome of one recorded change.
type RecordResult struct {
	Hash           string
	Encoding       model.Encoding
	Deduplicated   bool
	CompactionHint bool
	_              struct{}
}

// RecordChange captures one file change into the session's staging
// area. Content is admitted through the policy gate, stored
// content-addressed, then journaled; when RecordChange returns without
// error the change is durable and will survive a crash.
func (s *Store) RecordChange(ctx context.Context, sessionID string, ch Change) (RecordResult, error) {
	var res RecordResult
	if err := s.checkOpen(); err != nil {
		return res, err
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return res, err
	}
	st.opMu.Lock()
	defer st.opMu.Unlock()

	s.mu.Lock()
	actual := st.currentHash(ch.Path)
	s.mu.Unlock()
	if ch.ExpectedHash != "" && ch.ExpectedHash != actual {
		return res, &ConflictError{Path: ch.Path, Expected: ch.ExpectedHash, Actual: actual}
	}

	if ch.Delete {
		return s.recordDelete(ctx, st, ch.Path)
	}

	adm, err := s.enforcer.CheckAdmission(ch.Path, ch.Content)
	if err != nil {
		return res, err
	}
	res.CompactionHint = adm.CompactionHint

	var base digest.Digest
	if actual != "" {
		if base, err = digest.FromString(actual); err != nil {
			return res, err
		}
	}
	put, err := s.blobs.Put(ctx, ch.Path, ch.Content, base)
	if err != nil {
		return res, err
	}

	if _, err = s.wal.Append(ctx, model.JournalRecord{
		Kind:    model.JournalBlobWrite,
		Session: sessionID,
		Path:    ch.Path,
		Hash:    put.Hash.String(),
		Size:    uint64(len(ch.Content)),
	}); err != nil {
		return res, err
	}
	s.enforcer.Acknowledge(put.StoredBytes, put.StoredObjects)

	mode := ch.Mode
	if mode == 0 {
		mode = 0644
	}
	s.mu.Lock()
	delete(st.deleted, ch.Path)
	st.staged[ch.Path] = model.TreeEntry{
		Path:     ch.Path,
		Hash:     put.Hash.String(),
		Size:     uint64(len(ch.Content)),
		Mode:     mode,
		Encoding: put.Encoding,
		Source:   ch.Source,
	}
	s.mu.Unlock()

	res.Hash = put.Hash.String()
	res.Encoding = put.Encoding
	res.Deduplicated = put.Found
	return res, nil
}

func (s *Store) recordDelete(ctx context.Context, st *sessionState, path string) (RecordResult, error) {
	var res RecordResult
	if _, err := s.wal.Append(ctx, model.JournalRecord{
		Kind:    model.JournalBlobWrite,
		Session: st.desc.ID,
		Path:    path,
		Deleted: true,
	}); err != nil {
		return res, err
	}
	s.mu.Lock()
	delete(st.staged, path)
	st.deleted[path] = true
	s.mu.Unlock()
	return res, nil
}

// GetSession returns the descriptor of a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (model.SessionDescriptor, error) {
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return model.SessionDescriptor{}, err
	}
	return st.desc, nil
}

// session returns the in-memory state for a session, loading it from
// its descriptor when the store was reopened since the session began.
func (s *Store) session(ctx context.Context, sessionID string) (*sessionState, error) {
	s.mu.Lock()
	st, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return st, nil
	}

	raw, err := storage.ReadAll(ctx, s.backend, model.GetArchivePathToSession(sessionID))
	if errors.Is(err, storagestatus.ErrNotFound) {
		return nil, status.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	desc, err := model.UnmarshalSession(raw)
	if err != nil {
		return nil, err
	}
	st = newSessionState(desc)
	if desc.Head != "" {
		if st.baseTree, err = s.treeOf(ctx, desc.Head); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	if cur, ok := s.sessions[sessionID]; ok {
		st = cur // lost the race, keep the first load
	} else {
		s.sessions[sessionID] = st
	}
	s.mu.Unlock()
	return st, nil
}

func (s *Store) treeOf(ctx context.Context, commitID string) (model.TreeDescriptor, error) {
	c, err := s.commits.GetCommit(ctx, commitID)
	if err != nil {
		return model.TreeDescriptor{}, err
	}
	d, err := digest.FromString(c.Tree)
	if err != nil {
		return model.TreeDescriptor{}, err
	}
	return s.commits.GetTree(ctx, d)
}

func (s *Store) writeSession(ctx context.Context, desc model.SessionDescriptor) error {
	raw, err := model.MarshalSession(desc)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, model.GetArchivePathToSession(desc.ID), bytes.NewReader(raw), storage.OverWrite)
}
