package core

import (
	"bytes"
	"context"
	"time"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"go.uber.org/zap"
)

// recover replays the journal from the last checkpoint mark and
// repairs descriptors an interrupted operation left behind. Replay is
// idempotent: acknowledged operations are re-applied to the same
// state, half-finished ones complete or stay staged.
func (s *Store) recover(ctx context.Context) error {
	report, err := s.wal.Replay(ctx, func(rec model.JournalRecord) error {
		switch rec.Kind {
		case model.JournalSessionBegin:
			return s.recoverSession(ctx, rec)
		case model.JournalBlobWrite:
			return s.recoverBlobWrite(ctx, rec)
		case model.JournalCommit:
			return s.recoverCommit(ctx, rec)
		case model.JournalRefUpdate:
			return s.recoverRefUpdate(ctx, rec)
		default:
			return nil
		}
	})
	if err != nil {
		return err
	}
	if err := s.finishRecovery(ctx); err != nil {
		return err
	}
	if report.Applied > 0 || report.Quarantined > 0 {
		s.l.Info("journal recovery",
			zap.Int("applied", report.Applied),
			zap.Int("quarantined", report.Quarantined),
		)
	}
	return nil
}

// finishRecovery reconciles replayed in-memory sessions with their
// on-disk descriptors and loads base trees for sessions with history.
func (s *Store) finishRecovery(ctx context.Context) error {
	s.mu.Lock()
	states := make([]*sessionState, 0, len(s.sessions))
	for _, st := range s.sessions {
		states = append(states, st)
	}
	s.mu.Unlock()

	for _, st := range states {
		raw, err := storage.ReadAll(ctx, s.backend, model.GetArchivePathToSession(st.desc.ID))
		if err == nil {
			if desc, uerr := model.UnmarshalSession(raw); uerr == nil {
				st.desc.Meta = desc.Meta
				st.desc.Created = desc.Created
				if st.desc.Head == "" {
					st.desc.Head = desc.Head
				}
			}
		} else if !errors.Is(err, storagestatus.ErrNotFound) {
			return err
		}
		if st.desc.Head != "" {
			if st.baseTree, err = s.treeOf(ctx, st.desc.Head); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverSession re-creates a session descriptor lost between journal
// append and descriptor write.
func (s *Store) recoverSession(ctx context.Context, rec model.JournalRecord) error {
	key := model.GetArchivePathToSession(rec.Session)
	has, err := s.backend.Has(ctx, key)
	if err != nil || has {
		return err
	}
	return s.writeSession(ctx, model.SessionDescriptor{
		ID:      rec.Session,
		Created: rec.Timestamp,
	})
}

// recoverBlobWrite restores a staged change into the session's
// in-memory state so an acknowledged record survives a crash before
// its checkpoint.
func (s *Store) recoverBlobWrite(ctx context.Context, rec model.JournalRecord) error {
	st := s.recoveredSession(rec.Session, rec.Timestamp)
	if rec.Deleted {
		delete(st.staged, rec.Path)
		st.deleted[rec.Path] = true
		return nil
	}
	entry := model.TreeEntry{
		Path: rec.Path,
		Hash: rec.Hash,
		Size: rec.Size,
		Mode: 0644,
	}
	// best effort: the stored envelope knows the encoding
	if h, err := digest.FromString(rec.Hash); err == nil {
		if info, err := s.blobs.Info(ctx, h); err == nil {
			entry.Encoding = info.Encoding
		}
	}
	delete(st.deleted, rec.Path)
	st.staged[rec.Path] = entry
	return nil
}

// recoverCommit completes a checkpoint interrupted after the commit
// record: the head advance and staged-state reset re-run here.
func (s *Store) recoverCommit(ctx context.Context, rec model.JournalRecord) error {
	has, err := s.commits.HasCommit(ctx, rec.Commit)
	if err != nil {
		return err
	}
	if !has {
		// commit record without descriptor: descriptors are written
		// first, so this record is a stray; staged changes remain
		return nil
	}
	st := s.recoveredSession(rec.Session, rec.Timestamp)
	st.desc.Head = rec.Commit
	st.staged = make(map[string]model.TreeEntry)
	st.deleted = make(map[string]bool)
	return s.writeSession(ctx, st.desc)
}

// recoverRefUpdate re-applies a ref mutation that may not have reached
// its descriptor.
func (s *Store) recoverRefUpdate(ctx context.Context, rec model.JournalRecord) error {
	key := model.GetArchivePathToRef(rec.RefClass, rec.Ref)
	if rec.Deleted {
		err := s.backend.Delete(ctx, key)
		if errors.Is(err, storagestatus.ErrNotFound) {
			return nil
		}
		return err
	}

	now := rec.Timestamp
	desc := model.RefDescriptor{
		Name:    rec.Ref,
		Class:   rec.RefClass,
		Commit:  rec.Commit,
		Created: now,
		Updated: now,
	}
	raw, err := storage.ReadAll(ctx, s.backend, key)
	if err == nil {
		existing, uerr := model.UnmarshalRef(raw)
		if uerr == nil {
			if existing.Commit == rec.Commit {
				return nil
			}
			if rec.RefClass != model.RefClassSession {
				// immutable classes keep their first value
				return nil
			}
			desc.Created = existing.Created
		}
	} else if !errors.Is(err, storagestatus.ErrNotFound) {
		return err
	}

	out, err := model.MarshalRef(desc)
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, key, bytes.NewReader(out), storage.OverWrite)
}

// recoveredSession fetches or creates in-memory state during replay,
// before descriptors are guaranteed to exist.
func (s *Store) recoveredSession(id string, created time.Time) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		st = newSessionState(model.SessionDescriptor{ID: id, Created: created})
		s.sessions[id] = st
	}
	return st
}
