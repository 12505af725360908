package restore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/provtrail/provtrail/pkg/cafs"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent file writes during a restore.
const DefaultParallelism = 4

var errDigestMismatch = errors.New("restored content does not match the recorded digest")

// IntegrityError reports the paths whose content could not be
// reconstructed or verified. Files already written remain in place;
// the restore is incomplete, not rolled back.
type IntegrityError struct {
	Commit string
	Paths  []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("restore of %s incomplete: %d paths failed verification", e.Commit, len(e.Paths))
}

// Option configures the executor
type Option func(*Executor)

// Logger sets a logger for restore operations
func Logger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.l = l
		}
	}
}

// Parallelism bounds concurrent file writes
func Parallelism(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// DestFs overrides the destination filesystem, for tests
func DestFs(fs afero.Fs) Option {
	return func(e *Executor) {
		if fs != nil {
			e.fs = fs
		}
	}
}

// Executor writes planned files into a destination directory.
type Executor struct {
	blobs       cafs.Fs
	fs          afero.Fs
	parallelism int
	l           *zap.Logger
}

// NewExecutor creates a restore executor over the blob store.
func NewExecutor(blobs cafs.Fs, opts ...Option) *Executor {
	e := &Executor{
		blobs:       blobs,
		fs:          afero.NewOsFs(),
		parallelism: DefaultParallelism,
		l:           zap.NewNop(),
	}
	for _, apply := range opts {
		apply(e)
	}
	return e
}

// Apply materializes a plan under destDir. Every file is staged to a
// temporary name, content-verified, then renamed into place, so a
// cancelled or failed restore never leaves a truncated file at a final
// path. With dryRun set it verifies reconstructibility without writing.
func (e *Executor) Apply(ctx context.Context, plan Plan, destDir string, dryRun bool) error {
	var (
		mu     sync.Mutex
		failed []string
	)
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(e.parallelism)

	for _, entry := range plan.Entries {
		entry := entry
		grp.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := e.restoreOne(gctx, entry.Path, entry.Hash, entry.Mode, destDir, dryRun)
			if err != nil {
				if gctx.Err() != nil {
					return err // cancellation, not corruption
				}
				e.l.Warn("restore failed for path", zap.String("path", entry.Path), zap.Error(err))
				mu.Lock()
				failed = append(failed, entry.Path)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return &IntegrityError{Commit: plan.Commit, Paths: failed}
	}
	e.l.Info("restore applied",
		zap.String("commit", plan.Commit),
		zap.Int("files", len(plan.Entries)),
		zap.Bool("dry_run", dryRun),
	)
	return nil
}

func (e *Executor) restoreOne(ctx context.Context, path, hash string, mode uint32, destDir string, dryRun bool) error {
	h, err := digest.FromString(hash)
	if err != nil {
		return err
	}
	if dryRun {
		return e.blobs.Verify(ctx, h)
	}
	content, err := e.blobs.Get(ctx, h)
	if err != nil {
		return err
	}
	if digest.OfBytes(content) != h {
		return errDigestMismatch
	}

	target := filepath.Join(destDir, filepath.FromSlash(path))
	if err := e.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	stage := stagePath(target)
	perm := os.FileMode(mode & 0777)
	if perm == 0 {
		perm = 0644
	}
	if err := afero.WriteFile(e.fs, stage, content, perm); err != nil {
		return err
	}
	// read back what actually landed on disk before the rename makes it
	// visible under the final path
	written, err := afero.ReadFile(e.fs, stage)
	if err != nil {
		_ = e.fs.Remove(stage)
		return err
	}
	if digest.OfBytes(written) != h {
		_ = e.fs.Remove(stage)
		return errDigestMismatch
	}
	if err := e.fs.Rename(stage, target); err != nil {
		_ = e.fs.Remove(stage)
		return err
	}
	return nil
}

func stagePath(target string) string {
	dir, base := filepath.Split(target)
	return filepath.Join(dir, ".restore-"+strings.TrimPrefix(base, "."))
}
