// Package merkle builds and stores commit trees.
//
// A tree is the complete sorted path to digest mapping of a session at
// one instant; a commit binds a tree to its parent and timestamp under
// a digest-derived id, forming a tamper-evident history chain.
package merkle

import (
	"bytes"
	"context"
	"io"
	"sort"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"go.uber.org/zap"
)

// Option configures the commit store
type Option func(*Store)

// Logger sets a logger for commit operations
func Logger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.l = l
		}
	}
}

// Store reads and writes tree and commit descriptors.
type Store struct {
	backend storage.Store
	l       *zap.Logger
}

// New creates a commit store over a storage backend.
func New(backend storage.Store, opts ...Option) *Store {
	s := &Store{backend: backend, l: zap.NewNop()}
	for _, apply := range opts {
		apply(s)
	}
	return s
}

// PutTree stores a tree descriptor under its canonical digest.
// Identical trees share one object.
func (s *Store) PutTree(ctx context.Context, tree model.TreeDescriptor) (digest.Digest, error) {
	d := tree.Digest()
	raw, err := model.MarshalTree(tree)
	if err != nil {
		return digest.Zero, err
	}
	err = s.backend.Put(ctx, model.GetArchivePathToTree(d.String()), bytes.NewReader(raw), storage.NoOverWrite)
	if err != nil && !errors.Is(err, storagestatus.ErrExists) {
		return digest.Zero, err
	}
	return d, nil
}

// GetTree loads a tree descriptor by digest.
func (s *Store) GetTree(ctx context.Context, d digest.Digest) (model.TreeDescriptor, error) {
	raw, err := s.readAll(ctx, model.GetArchivePathToTree(d.String()))
	if err != nil {
		return model.TreeDescriptor{}, err
	}
	return model.UnmarshalTree(raw)
}

// Commit seals a tree into the history chain and persists both
// descriptors. The tree is durable before the commit that references
// it, so a crash between the two writes leaves no dangling commit.
func (s *Store) Commit(ctx context.Context, tree model.TreeDescriptor, parent, session, label string) (model.CommitDescriptor, error) {
	treeDigest, err := s.PutTree(ctx, tree)
	if err != nil {
		return model.CommitDescriptor{}, err
	}

	ts := model.GetCommitTimeStamp()
	commit := model.CommitDescriptor{
		ID:         model.CommitID(treeDigest, parent, ts).String(),
		Parent:     parent,
		Tree:       treeDigest.String(),
		Timestamp:  ts,
		Label:      label,
		Session:    session,
		EntryCount: uint64(len(tree.Entries)),
		Version:    model.CurrentCommitVersion,
	}
	raw, err := model.MarshalCommit(commit)
	if err != nil {
		return model.CommitDescriptor{}, err
	}
	err = s.backend.Put(ctx, model.GetArchivePathToCommit(commit.ID), bytes.NewReader(raw), storage.NoOverWrite)
	if err != nil && !errors.Is(err, storagestatus.ErrExists) {
		return model.CommitDescriptor{}, err
	}
	s.l.Debug("commit sealed",
		zap.String("commit", commit.ID),
		zap.String("parent", parent),
		zap.Uint64("entries", commit.EntryCount),
	)
	return commit, nil
}

// GetCommit loads a commit descriptor by id.
func (s *Store) GetCommit(ctx context.Context, id string) (model.CommitDescriptor, error) {
	raw, err := s.readAll(ctx, model.GetArchivePathToCommit(id))
	if err != nil {
		return model.CommitDescriptor{}, err
	}
	return model.UnmarshalCommit(raw)
}

// HasCommit reports whether a commit id resolves to a stored commit.
func (s *Store) HasCommit(ctx context.Context, id string) (bool, error) {
	return s.backend.Has(ctx, model.GetArchivePathToCommit(id))
}

// ListCommits returns the ids of every stored commit.
func (s *Store) ListCommits(ctx context.Context) ([]string, error) {
	keys, err := s.backend.KeysPrefix(ctx, "commits/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, commitIDFromKey(k))
	}
	sort.Strings(ids)
	return ids, nil
}

// WalkAncestry visits a commit and its ancestors, newest first,
// until visit returns false or the chain's root is reached.
func (s *Store) WalkAncestry(ctx context.Context, id string, visit func(model.CommitDescriptor) bool) error {
	for id != "" {
		c, err := s.GetCommit(ctx, id)
		if err != nil {
			return err
		}
		if !visit(c) {
			return nil
		}
		id = c.Parent
	}
	return nil
}

// Verify recomputes the tree digest and commit id of a stored commit
// and reports whether they match, detecting descriptor tampering.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	c, err := s.GetCommit(ctx, id)
	if err != nil {
		return false, err
	}
	treeDigest, err := digest.FromString(c.Tree)
	if err != nil {
		return false, nil
	}
	tree, err := s.GetTree(ctx, treeDigest)
	if err != nil {
		return false, err
	}
	if tree.Digest() != treeDigest {
		return false, nil
	}
	return model.CommitID(treeDigest, c.Parent, c.Timestamp).String() == c.ID, nil
}

func (s *Store) readAll(ctx context.Context, key string) ([]byte, error) {
	rdr, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(rdr)
	_ = rdr.Close()
	return raw, err
}

func commitIDFromKey(key string) string {
	const prefix, suffix = "commits/", ".json"
	id := key
	if len(id) > len(prefix) && id[:len(prefix)] == prefix {
		id = id[len(prefix):]
	}
	if len(id) > len(suffix) && id[len(id)-len(suffix):] == suffix {
		id = id[:len(id)-len(suffix)]
	}
	return id
}
