package core

import (
	"context"

	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/restore"
)

// PlanRestore computes the files a restore of target would write.
// Target may be a commit id, a ref name, or a session id.
func (s *Store) PlanRestore(ctx context.Context, target string, opts ...restore.PlanOption) (restore.Plan, error) {
	if err := s.checkOpen(); err != nil {
		return restore.Plan{}, err
	}
	commitID, err := s.resolveCommit(ctx, target)
	if err != nil {
		return restore.Plan{}, err
	}
	return restore.NewPlan(ctx, s.commits, commitID, opts...)
}

// ApplyRestore materializes a plan under destDir. With dryRun set it
// only verifies that every planned file can be reconstructed.
func (s *Store) ApplyRestore(ctx context.Context, plan restore.Plan, destDir string, dryRun bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	exec := restore.NewExecutor(s.blobs, restore.Logger(s.l))
	return exec.Apply(ctx, plan, destDir, dryRun)
}

// GetFile reads one file's content at a commit, ref, or session head.
func (s *Store) GetFile(ctx context.Context, target, path string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	commitID, err := s.resolveCommit(ctx, target)
	if err != nil {
		return nil, err
	}
	entry, found, err := s.idx.Lookup(ctx, commitID, path)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, status.ErrNotFound
	}
	h, err := digest.FromString(entry.Hash)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, h)
}
