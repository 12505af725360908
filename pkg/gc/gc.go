// Package gc implements mark-and-sweep garbage collection.
//
// Reachability roots are the ref table and every session head. The
// mark set is kept in a badger KV store rather than in memory, so
// collection scales to archives whose live set does not fit in RAM.
// Objects newer than the collection cutoff are never swept, which keeps
// concurrent writers safe without a global pause.
package gc

import (
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/provtrail/provtrail/pkg/cafs"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/merkle"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/refs"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMinAge protects freshly written but not yet referenced
	// objects from a concurrent collection.
	DefaultMinAge = 30 * time.Minute

	// DefaultSweepParallelism bounds concurrent deletes.
	DefaultSweepParallelism = 4

	// DefaultPackThreshold is the largest stored object size eligible
	// for pack consolidation.
	DefaultPackThreshold = 16 * 1024
)

// mark set key prefixes
const (
	pfxBlob   = "b/"
	pfxChunk  = "c/"
	pfxTree   = "t/"
	pfxCommit = "m/"
)

// Report summarizes one collection.
type Report struct {
	LiveCommits    int
	LiveBlobs      int
	DeletedBlobs   int
	DeletedChunks  int
	DeletedTrees   int
	DeletedCommits int
	PackedObjects  int
	ReclaimedBytes int64
	Duration       time.Duration
	DryRun         bool
}

// Option configures the collector
type Option func(*Collector)

// Logger sets a logger for the collector
func Logger(l *zap.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.l = l
		}
	}
}

// MinAge overrides the sweep cutoff age
func MinAge(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.minAge = d
		}
	}
}

// MarkSetDir keeps the mark set on disk instead of in memory
func MarkSetDir(dir string) Option {
	return func(c *Collector) {
		c.markDir = dir
	}
}

// PackSmall enables pack consolidation of surviving small blobs
func PackSmall(threshold int64) Option {
	return func(c *Collector) {
		c.packSmall = true
		if threshold > 0 {
			c.packThreshold = threshold
		}
	}
}

// Collector walks reachability and sweeps unreachable objects.
type Collector struct {
	blobs   cafs.Fs
	commits *merkle.Store
	refMgr  *refs.Manager
	backend storage.Store

	minAge        time.Duration
	markDir       string
	packSmall     bool
	packThreshold int64
	parallelism   int
	l             *zap.Logger
}

// New creates a collector over the store's components.
func New(blobs cafs.Fs, commits *merkle.Store, refMgr *refs.Manager, backend storage.Store, opts ...Option) *Collector {
	c := &Collector{
		blobs:         blobs,
		commits:       commits,
		refMgr:        refMgr,
		backend:       backend,
		minAge:        DefaultMinAge,
		packThreshold: DefaultPackThreshold,
		parallelism:   DefaultSweepParallelism,
		l:             zap.NewNop(),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

// Collect runs one mark-and-sweep pass. With dryRun set it reports
// what would be deleted without deleting anything.
func (c *Collector) Collect(ctx context.Context, dryRun bool) (Report, error) {
	start := time.Now()
	report := Report{DryRun: dryRun}

	db, err := c.openMarkSet()
	if err != nil {
		return report, err
	}
	defer func() { _ = db.Close() }()

	if err := c.mark(ctx, db, &report); err != nil {
		return report, err
	}
	cutoff := start.Add(-c.minAge)
	if err := c.sweep(ctx, db, cutoff, dryRun, &report); err != nil {
		return report, err
	}

	if c.packSmall && !dryRun {
		packed, err := c.blobs.Pack(ctx, c.packThreshold, func(hash string) bool {
			return isMarked(db, pfxBlob+hash)
		})
		if err != nil {
			return report, err
		}
		report.PackedObjects = packed
	}

	report.Duration = time.Since(start)
	c.l.Info("collection done",
		zap.Int("live_commits", report.LiveCommits),
		zap.Int("deleted_blobs", report.DeletedBlobs),
		zap.Int("deleted_chunks", report.DeletedChunks),
		zap.Int64("reclaimed_bytes", report.ReclaimedBytes),
		zap.Bool("dry_run", dryRun),
		zap.Duration("took", report.Duration),
	)
	return report, nil
}

func (c *Collector) openMarkSet() (*badger.DB, error) {
	opts := badger.DefaultOptions(c.markDir).WithLogger(nil)
	if c.markDir == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}

// mark walks refs and session heads down to every reachable object.
func (c *Collector) mark(ctx context.Context, db *badger.DB, report *Report) error {
	roots, err := c.roots(ctx)
	if err != nil {
		return err
	}
	for _, root := range roots {
		err := c.commits.WalkAncestry(ctx, root, func(commit model.CommitDescriptor) bool {
			if isMarked(db, pfxCommit+commit.ID) {
				return false // ancestry already walked from here down
			}
			if err := c.markCommit(ctx, db, commit, report); err != nil {
				c.l.Error("mark failed", zap.String("commit", commit.ID), zap.Error(err))
				return false
			}
			return true
		})
		if err != nil && !errors.Is(err, storagestatus.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (c *Collector) roots(ctx context.Context) ([]string, error) {
	var roots []string
	for _, class := range []model.RefClass{model.RefClassSession, model.RefClassCheckpoint, model.RefClassProtected} {
		descs, err := c.refMgr.List(ctx, class)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			roots = append(roots, d.Commit)
		}
	}
	keys, err := c.backend.KeysPrefix(ctx, "sessions/")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		raw, err := storage.ReadAll(ctx, c.backend, k)
		if err != nil {
			return nil, err
		}
		sess, err := model.UnmarshalSession(raw)
		if err != nil || sess.Head == "" {
			continue
		}
		roots = append(roots, sess.Head)
	}
	return roots, nil
}

func (c *Collector) markCommit(ctx context.Context, db *badger.DB, commit model.CommitDescriptor, report *Report) error {
	if err := setMark(db, pfxCommit+commit.ID); err != nil {
		return err
	}
	report.LiveCommits++

	if err := setMark(db, pfxTree+commit.Tree); err != nil {
		return err
	}
	treeDigest, err := digest.FromString(commit.Tree)
	if err != nil {
		return err
	}
	tree, err := c.commits.GetTree(ctx, treeDigest)
	if err != nil {
		return err
	}
	for _, e := range tree.Entries {
		h, err := digest.FromString(e.Hash)
		if err != nil {
			return err
		}
		if err := c.markBlob(ctx, db, h, report); err != nil {
			return err
		}
	}
	return nil
}

// markBlob marks an object and everything it needs to reconstruct:
// the diff base chain and the chunks of chunk maps.
func (c *Collector) markBlob(ctx context.Context, db *badger.DB, h digest.Digest, report *Report) error {
	if isMarked(db, pfxBlob+h.String()) {
		return nil
	}
	if err := setMark(db, pfxBlob+h.String()); err != nil {
		return err
	}
	report.LiveBlobs++

	info, err := c.blobs.Info(ctx, h)
	if errors.Is(err, storagestatus.ErrNotFound) {
		// a dangling entry is an integrity problem, not a GC problem
		c.l.Warn("unreachable blob referenced by live tree", zap.Stringer("hash", h))
		return nil
	}
	if err != nil {
		return err
	}
	deps, err := c.blobs.Dependencies(ctx, h)
	if err != nil {
		return err
	}
	switch info.Encoding {
	case model.EncodingDiff:
		for _, dep := range deps {
			if err := c.markBlob(ctx, db, dep, report); err != nil {
				return err
			}
		}
	case model.EncodingChunkMap:
		for _, dep := range deps {
			if err := setMark(db, pfxChunk+dep.String()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) sweep(ctx context.Context, db *badger.DB, cutoff time.Time, dryRun bool, report *Report) error {
	type victim struct {
		key  string
		size int64
	}
	classes := []struct {
		prefix  string
		markPfx string
		trim    func(string) string
		counter *int
	}{
		{"blobs/", pfxBlob, hashFromFanoutKey, &report.DeletedBlobs},
		{"chunks/", pfxChunk, hashFromFanoutKey, &report.DeletedChunks},
		{"trees/", pfxTree, idFromJSONKey, &report.DeletedTrees},
		{"commits/", pfxCommit, idFromJSONKey, &report.DeletedCommits},
	}

	for _, class := range classes {
		keys, err := c.backend.KeysPrefix(ctx, class.prefix)
		if err != nil {
			return err
		}
		var victims []victim
		for _, k := range keys {
			id := class.trim(k)
			if id == "" || isMarked(db, class.markPfx+id) {
				continue
			}
			attr, err := c.backend.GetAttr(ctx, k)
			if errors.Is(err, storagestatus.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if attr.Updated.After(cutoff) {
				continue // too young to judge
			}
			victims = append(victims, victim{key: k, size: attr.Size})
		}

		*class.counter += len(victims)
		for _, v := range victims {
			report.ReclaimedBytes += v.size
		}
		if dryRun {
			continue
		}

		grp, gctx := errgroup.WithContext(ctx)
		grp.SetLimit(c.parallelism)
		for _, v := range victims {
			v := v
			grp.Go(func() error {
				err := c.backend.Delete(gctx, v.key)
				if errors.Is(err, storagestatus.ErrNotFound) {
					return nil
				}
				return err
			})
		}
		if err := grp.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func setMark(db *badger.DB, key string) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte{1})
	})
}

func isMarked(db *badger.DB, key string) bool {
	err := db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	return err == nil
}

func hashFromFanoutKey(key string) string {
	if len(key) < digest.SizeHex {
		return ""
	}
	return key[len(key)-digest.SizeHex:]
}

func idFromJSONKey(key string) string {
	const suffix = ".json"
	slash := -1
	for i, r := range key {
		if r == '/' {
			slash = i
		}
	}
	id := key[slash+1:]
	if len(id) <= len(suffix) || id[len(id)-len(suffix):] != suffix {
		return ""
	}
	return id[:len(id)-len(suffix)]
}
