package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/gc"
	"github.com/provtrail/provtrail/pkg/journal"
	"github.com/provtrail/provtrail/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RunGC collects unreachable objects. With dryRun set it reports what
// would be reclaimed without deleting anything.
func (s *Store) RunGC(ctx context.Context, dryRun bool) (gc.Report, error) {
	if err := s.checkOpen(); err != nil {
		return gc.Report{}, err
	}
	opts := []gc.Option{gc.Logger(s.l), gc.MinAge(s.cfg.Retention.MinAge)}
	if s.cfg.PackSmall {
		opts = append(opts, gc.PackSmall(0))
	}
	collector := gc.New(s.blobs, s.commits, s.refMgr, s.backend, opts...)
	report, err := collector.Collect(ctx, dryRun)
	if err != nil {
		return report, err
	}
	if !dryRun {
		if err := s.measureUsage(ctx); err != nil {
			return report, err
		}
		if err := s.idx.Drop(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// FsckReport summarizes an integrity check. The check is read-only.
type FsckReport struct {
	Journal        journal.ScanReport
	CommitsChecked int
	BadCommits     []string
	BlobsChecked   int
	BadBlobs       []string
	DanglingRefs   []string
	_              struct{}
}

// Ok reports whether no integrity anomaly was found.
func (r FsckReport) Ok() bool {
	return r.Journal.Ok() && len(r.BadCommits) == 0 && len(r.BadBlobs) == 0 && len(r.DanglingRefs) == 0
}

// Fsck verifies the journal, every commit's digest chain, and the
// reconstructibility of every blob referenced by a live tree.
func (s *Store) Fsck(ctx context.Context) (FsckReport, error) {
	var report FsckReport
	if err := s.checkOpen(); err != nil {
		return report, err
	}

	var err error
	if report.Journal, err = s.wal.Scan(ctx); err != nil {
		return report, err
	}

	ids, err := s.commits.ListCommits(ctx)
	if err != nil {
		return report, err
	}
	hashes := make(map[string]bool)
	for _, id := range ids {
		report.CommitsChecked++
		ok, err := s.commits.Verify(ctx, id)
		if err != nil || !ok {
			report.BadCommits = append(report.BadCommits, id)
			continue
		}
		tree, err := s.treeOf(ctx, id)
		if err != nil {
			report.BadCommits = append(report.BadCommits, id)
			continue
		}
		for _, e := range tree.Entries {
			hashes[e.Hash] = true
		}
	}

	var mu sync.Mutex
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(4)
	for hash := range hashes {
		hash := hash
		grp.Go(func() error {
			h, err := digest.FromString(hash)
			if err == nil {
				err = s.blobs.Verify(gctx, h)
			}
			if err != nil {
				mu.Lock()
				report.BadBlobs = append(report.BadBlobs, hash)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return report, err
	}
	report.BlobsChecked = len(hashes)
	sort.Strings(report.BadBlobs)
	sort.Strings(report.BadCommits)

	if report.DanglingRefs, err = s.danglingRefs(ctx); err != nil {
		return report, err
	}

	s.l.Info("fsck done",
		zap.Int("commits", report.CommitsChecked),
		zap.Int("blobs", report.BlobsChecked),
		zap.Bool("ok", report.Ok()),
	)
	return report, nil
}

// danglingRefs returns class/name pairs for refs whose commit is not
// stored, in name order.
func (s *Store) danglingRefs(ctx context.Context) ([]string, error) {
	var dangling []string
	for _, class := range []model.RefClass{model.RefClassSession, model.RefClassCheckpoint, model.RefClassProtected} {
		descs, err := s.refMgr.List(ctx, class)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			ok, err := s.commits.HasCommit(ctx, d.Commit)
			if err != nil {
				return nil, err
			}
			if !ok {
				dangling = append(dangling, string(class)+"/"+d.Name)
			}
		}
	}
	sort.Strings(dangling)
	return dangling, nil
}

// RetentionReport summarizes a retention pass.
type RetentionReport struct {
	ExpiredSessionRefs    int
	ExpiredCheckpointRefs int
	_                     struct{}
}

// RunRetention expires session and checkpoint refs beyond the
// configured counts, oldest first, never touching refs younger than
// the minimum age. Protected refs are never candidates.
func (s *Store) RunRetention(ctx context.Context) (RetentionReport, error) {
	var report RetentionReport
	if err := s.checkOpen(); err != nil {
		return report, err
	}
	cutoff := time.Now().UTC().Add(-s.cfg.Retention.MinAge)

	expire := func(class model.RefClass, keep int) (int, error) {
		if keep <= 0 {
			return 0, nil
		}
		descs, err := s.refMgr.List(ctx, class)
		if err != nil {
			return 0, err
		}
		if len(descs) <= keep {
			return 0, nil
		}
		sort.Slice(descs, func(i, j int) bool {
			return descs[i].Updated.Before(descs[j].Updated)
		})
		expired := 0
		for _, d := range descs[:len(descs)-keep] {
			if d.Updated.After(cutoff) {
				continue
			}
			if err := s.DeleteRef(ctx, class, d.Name); err != nil {
				return expired, err
			}
			expired++
		}
		return expired, nil
	}

	var err error
	if report.ExpiredSessionRefs, err = expire(model.RefClassSession, s.cfg.Retention.MaxSessionRefs); err != nil {
		return report, err
	}
	if report.ExpiredCheckpointRefs, err = expire(model.RefClassCheckpoint, s.cfg.Retention.MaxCheckpointRefs); err != nil {
		return report, err
	}
	s.l.Info("retention done",
		zap.Int("expired_session_refs", report.ExpiredSessionRefs),
		zap.Int("expired_checkpoint_refs", report.ExpiredCheckpointRefs),
	)
	return report, nil
}
