// Package core assembles the storage engine behind the public store
// API: sessions, change capture, checkpoints, promotion, restore,
// collection and integrity checking.
//
// Everything lives under a single root directory. The write-ahead
// journal plus content-addressed objects are the source of truth;
// descriptors and the lookup index are derived and repairable.
package core

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/provtrail/provtrail/pkg/cafs"
	"github.com/provtrail/provtrail/pkg/core/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/index"
	"github.com/provtrail/provtrail/pkg/journal"
	"github.com/provtrail/provtrail/pkg/merkle"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/plog"
	"github.com/provtrail/provtrail/pkg/policy"
	"github.com/provtrail/provtrail/pkg/refs"
	refsstatus "github.com/provtrail/provtrail/pkg/refs/status"
	"github.com/provtrail/provtrail/pkg/storage"
	"github.com/provtrail/provtrail/pkg/storage/localfs"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Option configures a store
type Option func(*Store)

// Logger sets the logger shared by all components
func Logger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.l = l
		}
	}
}

// LogLevel builds the store's logger at the given level (debug, info,
// none). Invalid levels keep the current logger.
func LogLevel(level string) Option {
	return func(s *Store) {
		if l, err := plog.GetLogger(level); err == nil {
			s.l = l
		}
	}
}

// Backend overrides the storage backend, for tests
func Backend(b storage.Store) Option {
	return func(s *Store) {
		s.backend = b
	}
}

// IndexDir overrides the location of the derived lookup index.
// An empty string keeps the index in memory.
func IndexDir(dir string) Option {
	return func(s *Store) {
		s.indexDir = dir
		s.indexDirSet = true
	}
}

// Store is an opened recovery and provenance store.
type Store struct {
	root        string
	cfg         policy.Config
	enforcer    *policy.Enforcer
	backend     storage.Store
	blobs       cafs.Fs
	commits     *merkle.Store
	refMgr      *refs.Manager
	wal         *journal.Journal
	idx         *index.Index
	l           *zap.Logger
	indexDir    string
	indexDirSet bool

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool
}

// Open initializes a store rooted at dir, creating the layout on first
// use and replaying the journal to repair any interrupted operation.
func Open(ctx context.Context, dir string, cfg policy.Config, opts ...Option) (*Store, error) {
	s := &Store{
		root:     dir,
		cfg:      cfg,
		l:        plog.Default(),
		sessions: make(map[string]*sessionState),
	}
	for _, apply := range opts {
		apply(s)
	}
	if !s.indexDirSet {
		s.indexDir = filepath.Join(dir, "cache", "index")
	}

	var err error
	if s.enforcer, err = policy.NewEnforcer(cfg, s.l); err != nil {
		return nil, err
	}
	if s.backend == nil {
		if err := afero.NewOsFs().MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		if s.backend, err = localfs.New(nil, dir); err != nil {
			return nil, err
		}
	}

	if s.wal, err = journal.New(ctx, s.backend, journal.Logger(s.l)); err != nil {
		return nil, err
	}
	s.blobs, err = cafs.New(s.backend, cfg, cafs.Logger(s.l))
	if err != nil {
		return nil, err
	}
	s.commits = merkle.New(s.backend, merkle.Logger(s.l))

	// recovery happens against the raw backend, before the ref manager
	// snapshots the table
	if err := s.recover(ctx); err != nil {
		return nil, err
	}

	s.refMgr, err = refs.New(ctx, s.backend, s.commits.HasCommit,
		refs.Logger(s.l), refs.Ancestry(s.hasAncestor))
	if err != nil {
		return nil, err
	}
	// post-replay integrity scan: a ref left pointing at a commit the
	// replay could not restore is surfaced, not silently carried
	dangling, err := s.danglingRefs(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range dangling {
		s.l.Warn("ref points at a missing commit", zap.String("ref", ref))
	}
	if s.idx, err = index.New(s.indexDir, s.commits, index.Logger(s.l)); err != nil {
		return nil, err
	}

	if err := s.measureUsage(ctx); err != nil {
		_ = s.idx.Close()
		return nil, err
	}
	s.l.Info("store opened", zap.String("root", dir), zap.String("backend", s.backend.String()))
	return s, nil
}

// Close releases the store. Pending staged changes stay recoverable
// through the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wal.Close()
	return s.idx.Close()
}

// Usage returns the tracked stored bytes and object count.
func (s *Store) Usage() (bytes int64, objects int64) {
	return s.enforcer.Usage()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.ErrClosed
	}
	return nil
}

// resolveCommit turns a commit id, ref name, or session id into a
// commit id.
func (s *Store) resolveCommit(ctx context.Context, target string) (string, error) {
	if len(target) == digest.SizeHex {
		if ok, err := s.commits.HasCommit(ctx, target); err != nil {
			return "", err
		} else if ok {
			return target, nil
		}
	}
	for _, class := range []model.RefClass{model.RefClassProtected, model.RefClassCheckpoint, model.RefClassSession} {
		desc, err := s.refMgr.Get(ctx, class, target)
		if err == nil {
			return desc.Commit, nil
		}
		if !errors.Is(err, refsstatus.ErrNotFound) {
			return "", err
		}
	}
	return "", status.ErrUnknownTarget
}

// hasAncestor reports whether ancestor appears in commit's parent
// chain, the commit itself included. Session refs use this to refuse
// advances that would rewind or fork their history.
func (s *Store) hasAncestor(ctx context.Context, commit, ancestor string) (bool, error) {
	found := false
	err := s.commits.WalkAncestry(ctx, commit, func(c model.CommitDescriptor) bool {
		if c.ID == ancestor {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// measureUsage re-derives the enforcer's running totals from the
// backend, counting content objects and packs.
func (s *Store) measureUsage(ctx context.Context) error {
	var bytes, objects int64
	for _, prefix := range []string{"blobs/", "chunks/", "packs/"} {
		keys, err := s.backend.KeysPrefix(ctx, prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			attr, err := s.backend.GetAttr(ctx, k)
			if err != nil {
				continue // deleted underneath the scan
			}
			bytes += attr.Size
			objects++
		}
	}
	s.enforcer.SetUsage(bytes, objects)
	return nil
}
