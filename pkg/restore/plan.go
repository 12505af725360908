// Package restore materializes committed state back into a working
// directory. Planning is read-only and separable from execution, so
// callers can inspect or veto a plan before any file is touched.
package restore

import (
	"context"
	"strings"

	"github.com/gobwas/glob"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/merkle"
	"github.com/provtrail/provtrail/pkg/model"
)

// Plan lists the files a restore would write.
type Plan struct {
	Commit     string
	Entries    []model.TreeEntry
	TotalBytes uint64
	_          struct{}
}

// PlanOption narrows a restore plan
type PlanOption func(*planner) error

// Include keeps only paths matching at least one glob pattern
func Include(patterns ...string) PlanOption {
	return func(p *planner) error {
		for _, pat := range patterns {
			g, err := glob.Compile(pat)
			if err != nil {
				return err
			}
			p.include = append(p.include, g)
		}
		return nil
	}
}

// Exclude drops paths matching any glob pattern
func Exclude(patterns ...string) PlanOption {
	return func(p *planner) error {
		for _, pat := range patterns {
			g, err := glob.Compile(pat)
			if err != nil {
				return err
			}
			p.exclude = append(p.exclude, g)
		}
		return nil
	}
}

// Prefix keeps only paths under a directory prefix
func Prefix(prefix string) PlanOption {
	return func(p *planner) error {
		p.prefix = strings.TrimSuffix(prefix, "/")
		return nil
	}
}

// SinceCommit keeps only paths that changed between an ancestor commit
// and the restore target
func SinceCommit(id string) PlanOption {
	return func(p *planner) error {
		p.since = id
		return nil
	}
}

type planner struct {
	include []glob.Glob
	exclude []glob.Glob
	prefix  string
	since   string
}

func (p *planner) admits(path string) bool {
	if p.prefix != "" && path != p.prefix && !strings.HasPrefix(path, p.prefix+"/") {
		return false
	}
	for _, g := range p.exclude {
		if g.Match(path) {
			return false
		}
	}
	if len(p.include) == 0 {
		return true
	}
	for _, g := range p.include {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// NewPlan computes the restore plan for a commit.
func NewPlan(ctx context.Context, commits *merkle.Store, commitID string, opts ...PlanOption) (Plan, error) {
	p := &planner{}
	for _, apply := range opts {
		if err := apply(p); err != nil {
			return Plan{}, err
		}
	}

	tree, err := loadTree(ctx, commits, commitID)
	if err != nil {
		return Plan{}, err
	}

	changed := map[string]bool(nil)
	if p.since != "" {
		baseTree, err := loadTree(ctx, commits, p.since)
		if err != nil {
			return Plan{}, err
		}
		changed = make(map[string]bool)
		for _, ch := range merkle.TreeDiff(baseTree, tree) {
			if ch.Kind != merkle.ChangeDelete {
				changed[ch.Path] = true
			}
		}
	}

	plan := Plan{Commit: commitID}
	for _, e := range tree.Entries {
		if !p.admits(e.Path) {
			continue
		}
		if changed != nil && !changed[e.Path] {
			continue
		}
		plan.Entries = append(plan.Entries, e)
		plan.TotalBytes += e.Size
	}
	return plan, nil
}

func loadTree(ctx context.Context, commits *merkle.Store, commitID string) (model.TreeDescriptor, error) {
	c, err := commits.GetCommit(ctx, commitID)
	if err != nil {
		return model.TreeDescriptor{}, err
	}
	d, err := digest.FromString(c.Tree)
	if err != nil {
		return model.TreeDescriptor{}, err
	}
	return commits.GetTree(ctx, d)
}
