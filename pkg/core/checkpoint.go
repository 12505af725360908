package core

import (
	"context"

	"github.com/provtrail/provtrail/pkg/core/status"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/merkle"
	"github.com/provtrail/provtrail/pkg/model"
	refsstatus "github.com/provtrail/provtrail/pkg/refs/status"
	"go.uber.org/zap"
)

// Checkpoint seals the session's staged changes into a commit,
// advances the session head and its ref, and optionally pins the
// commit under a checkpoint ref named label.
//
// Ordering is tree, commit, journal record, refs, checkpoint mark: a
// crash at any point either replays to the same commit or leaves the
// staged changes recoverable from the journal.
func (s *Store) Checkpoint(ctx context.Context, sessionID, label string) (model.CommitDescriptor, error) {
	if err := s.checkOpen(); err != nil {
		return model.CommitDescriptor{}, err
	}
	st, err := s.session(ctx, sessionID)
	if err != nil {
		return model.CommitDescriptor{}, err
	}
	// one mutation at a time per session: a concurrent checkpoint would
	// otherwise read the same head and fork it
	st.opMu.Lock()
	defer st.opMu.Unlock()

	s.mu.Lock()
	staged := make(map[string]model.TreeEntry, len(st.staged))
	for k, v := range st.staged {
		staged[k] = v
	}
	deleted := make(map[string]bool, len(st.deleted))
	for k, v := range st.deleted {
		deleted[k] = v
	}
	base := st.baseTree
	head := st.desc.Head
	s.mu.Unlock()

	if len(staged) == 0 && len(deleted) == 0 {
		if head == "" {
			return model.CommitDescriptor{}, status.ErrNothingToCommit
		}
		// no-op checkpoint: return the current head
		return s.commits.GetCommit(ctx, head)
	}

	tree := merkle.ApplyChanges(base, staged, deleted)
	commit, err := s.commits.Commit(ctx, tree, head, sessionID, label)
	if err != nil {
		return model.CommitDescriptor{}, err
	}
	if _, err = s.wal.Append(ctx, model.JournalRecord{
		Kind:    model.JournalCommit,
		Session: sessionID,
		Commit:  commit.ID,
	}); err != nil {
		return model.CommitDescriptor{}, err
	}

	if err := s.advanceSessionRef(ctx, sessionID, commit.ID); err != nil {
		return model.CommitDescriptor{}, err
	}
	if label != "" {
		if err := s.pinCheckpointRef(ctx, label, commit.ID); err != nil {
			return model.CommitDescriptor{}, err
		}
	}

	s.mu.Lock()
	st.desc.Head = commit.ID
	st.baseTree = tree
	st.staged = make(map[string]model.TreeEntry)
	st.deleted = make(map[string]bool)
	desc := st.desc
	s.mu.Unlock()

	if err := s.writeSession(ctx, desc); err != nil {
		return model.CommitDescriptor{}, err
	}
	if _, err := s.wal.MarkCheckpoint(ctx, sessionID, commit.ID); err != nil {
		return model.CommitDescriptor{}, err
	}

	s.l.Info("checkpoint",
		zap.String("session", sessionID),
		zap.String("commit", commit.ID),
		zap.String("label", label),
		zap.Uint64("entries", commit.EntryCount),
	)
	return commit, nil
}

func (s *Store) advanceSessionRef(ctx context.Context, sessionID, commitID string) error {
	_, err := s.refMgr.Advance(ctx, model.RefClassSession, sessionID, commitID)
	if errors.Is(err, refsstatus.ErrNotFound) {
		_, err = s.refMgr.Create(ctx, model.RefClassSession, sessionID, commitID)
	}
	if err != nil {
		return err
	}
	_, err = s.wal.Append(ctx, model.JournalRecord{
		Kind:     model.JournalRefUpdate,
		Session:  sessionID,
		Ref:      sessionID,
		RefClass: model.RefClassSession,
		Commit:   commitID,
	})
	return err
}

func (s *Store) pinCheckpointRef(ctx context.Context, label, commitID string) error {
	_, err := s.refMgr.Create(ctx, model.RefClassCheckpoint, label, commitID)
	if errors.Is(err, refsstatus.ErrExists) {
		// labels are reusable pins on sessions, but an existing pin on
		// another commit is kept rather than silently moved
		s.l.Warn("checkpoint label already pinned", zap.String("label", label))
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.wal.Append(ctx, model.JournalRecord{
		Kind:     model.JournalRefUpdate,
		Ref:      label,
		RefClass: model.RefClassCheckpoint,
		Commit:   commitID,
	})
	return err
}

// Promote pins a commit, ref, or session head under a protected ref.
// Protected refs and everything reachable from them are permanently
// exempt from collection and retention.
func (s *Store) Promote(ctx context.Context, target, name string) (model.RefDescriptor, error) {
	if err := s.checkOpen(); err != nil {
		return model.RefDescriptor{}, err
	}
	commitID, err := s.resolveCommit(ctx, target)
	if err != nil {
		return model.RefDescriptor{}, err
	}
	desc, err := s.refMgr.Promote(ctx, name, commitID)
	if err != nil {
		return model.RefDescriptor{}, err
	}
	if _, err = s.wal.Append(ctx, model.JournalRecord{
		Kind:     model.JournalRefUpdate,
		Ref:      name,
		RefClass: model.RefClassProtected,
		Commit:   commitID,
	}); err != nil {
		return model.RefDescriptor{}, err
	}
	s.l.Info("promoted", zap.String("ref", name), zap.String("commit", commitID))
	return desc, nil
}

// DeleteRef removes a session or checkpoint ref. Protected refs refuse.
func (s *Store) DeleteRef(ctx context.Context, class model.RefClass, name string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.refMgr.Delete(ctx, class, name); err != nil {
		return err
	}
	_, err := s.wal.Append(ctx, model.JournalRecord{
		Kind:     model.JournalRefUpdate,
		Ref:      name,
		RefClass: class,
		Deleted:  true,
	})
	return err
}

// ListRefs returns all refs of a class.
func (s *Store) ListRefs(ctx context.Context, class model.RefClass) ([]model.RefDescriptor, error) {
	return s.refMgr.List(ctx, class)
}

// GetCommit loads a commit descriptor by id, ref name, or session id.
func (s *Store) GetCommit(ctx context.Context, target string) (model.CommitDescriptor, error) {
	id, err := s.resolveCommit(ctx, target)
	if err != nil {
		return model.CommitDescriptor{}, err
	}
	return s.commits.GetCommit(ctx, id)
}

// History walks a commit's ancestry, newest first.
func (s *Store) History(ctx context.Context, target string, limit int) ([]model.CommitDescriptor, error) {
	id, err := s.resolveCommit(ctx, target)
	if err != nil {
		return nil, err
	}
	var out []model.CommitDescriptor
	err = s.commits.WalkAncestry(ctx, id, func(c model.CommitDescriptor) bool {
		out = append(out, c)
		return limit <= 0 || len(out) < limit
	})
	return out, err
}
