package restore

import (
	"context"
	"testing"

	"github.com/provtrail/provtrail/pkg/cafs"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/merkle"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/policy"
	"github.com/provtrail/provtrail/pkg/storage"
	"github.com/provtrail/provtrail/pkg/storage/localfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	blobs   cafs.Fs
	commits *merkle.Store
	backend storage.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	backend, err := localfs.New(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	blobs, err := cafs.New(backend, policy.Default())
	require.NoError(t, err)
	return &fixture{blobs: blobs, commits: merkle.New(backend), backend: backend}
}

func (f *fixture) commit(t *testing.T, parent string, files map[string]string) model.CommitDescriptor {
	t.Helper()
	ctx := context.Background()
	var tree model.TreeDescriptor
	for path, content := range files {
		res, err := f.blobs.Put(ctx, path, []byte(content), digest.Zero)
		require.NoError(t, err)
		tree.Entries = append(tree.Entries, model.TreeEntry{
			Path:     path,
			Hash:     res.Hash.String(),
			Size:     uint64(len(content)),
			Mode:     0644,
			Encoding: res.Encoding,
		})
	}
	c, err := f.commits.Commit(ctx, tree, parent, "sess", "")
	require.NoError(t, err)
	return c
}

func TestPlanListsAllFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, "", map[string]string{
		"src/a.go":  "package a\n",
		"src/b.go":  "package b\n",
		"README.md": "docs\n",
	})

	plan, err := NewPlan(ctx, f.commits, c.ID)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 3)
	require.EqualValues(t, len("package a\n")+len("package b\n")+len("docs\n"), plan.TotalBytes)
}

func TestPlanFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, "", map[string]string{
		"src/a.go":    "package a\n",
		"src/b_test.go": "package a\n// test\n",
		"docs/x.md":   "x\n",
	})

	plan, err := NewPlan(ctx, f.commits, c.ID, Prefix("src"))
	require.NoError(t, err)
	require.Len(t, plan.Entries, 2)

	plan, err = NewPlan(ctx, f.commits, c.ID, Prefix("src"), Exclude("**_test.go"))
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	require.Equal(t, "src/a.go", plan.Entries[0].Path)

	plan, err = NewPlan(ctx, f.commits, c.ID, Include("**.md"))
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	require.Equal(t, "docs/x.md", plan.Entries[0].Path)
}

func TestPlanSinceCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c1 := f.commit(t, "", map[string]string{
		"stable.txt":  "same\n",
		"changed.txt": "v1\n",
	})
	c2 := f.commit(t, c1.ID, map[string]string{
		"stable.txt":  "same\n",
		"changed.txt": "v2\n",
		"new.txt":     "added\n",
	})

	plan, err := NewPlan(ctx, f.commits, c2.ID, SinceCommit(c1.ID))
	require.NoError(t, err)
	require.Len(t, plan.Entries, 2)
	paths := []string{plan.Entries[0].Path, plan.Entries[1].Path}
	require.ElementsMatch(t, []string{"changed.txt", "new.txt"}, paths)
}

func TestApplyWritesFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, "", map[string]string{
		"dir/file.txt": "restored content\n",
		"top.txt":      "top\n",
	})

	plan, err := NewPlan(ctx, f.commits, c.ID)
	require.NoError(t, err)

	dest := afero.NewMemMapFs()
	exec := NewExecutor(f.blobs, DestFs(dest))
	require.NoError(t, exec.Apply(ctx, plan, "/out", false))

	got, err := afero.ReadFile(dest, "/out/dir/file.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("restored content\n"), got)

	got, err = afero.ReadFile(dest, "/out/top.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("top\n"), got)
}

func TestDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, "", map[string]string{"a.txt": "content\n"})

	plan, err := NewPlan(ctx, f.commits, c.ID)
	require.NoError(t, err)

	dest := afero.NewMemMapFs()
	exec := NewExecutor(f.blobs, DestFs(dest))
	require.NoError(t, exec.Apply(ctx, plan, "/out", true))

	exists, err := afero.DirExists(dest, "/out")
	require.NoError(t, err)
	require.False(t, exists)
}

// flippingFs corrupts the returned content for one digest, simulating
// a blob store whose reconstruction silently drifted from the recorded
// digest.
type flippingFs struct {
	cafs.Fs
	bad digest.Digest
}

func (f flippingFs) Get(ctx context.Context, hash digest.Digest) ([]byte, error) {
	b, err := f.Fs.Get(ctx, hash)
	if err == nil && hash == f.bad && len(b) > 0 {
		b = append([]byte{}, b...)
		b[0] ^= 0xff
	}
	return b, err
}

func TestApplyVerifiesRestoredDigest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, "", map[string]string{"ok.txt": "fine\n", "drifted.txt": "tampered\n"})

	plan, err := NewPlan(ctx, f.commits, c.ID)
	require.NoError(t, err)

	dest := afero.NewMemMapFs()
	exec := NewExecutor(flippingFs{Fs: f.blobs, bad: digest.OfBytes([]byte("tampered\n"))}, DestFs(dest))
	err = exec.Apply(ctx, plan, "/out", false)
	require.Error(t, err)

	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, []string{"drifted.txt"}, ierr.Paths)

	// no file, staged or final, carries the corrupted bytes
	exists, err := afero.Exists(dest, "/out/drifted.txt")
	require.NoError(t, err)
	require.False(t, exists)
	exists, err = afero.Exists(dest, "/out/.restore-drifted.txt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestApplyReportsMissingBlobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.commit(t, "", map[string]string{"ok.txt": "fine\n", "broken.txt": "gone\n"})

	// destroy one blob behind the store's back
	h := digest.OfBytes([]byte("gone\n"))
	require.NoError(t, f.backend.Delete(ctx, model.GetArchivePathToBlob(h.String())))

	plan, err := NewPlan(ctx, f.commits, c.ID)
	require.NoError(t, err)

	dest := afero.NewMemMapFs()
	exec := NewExecutor(f.blobs, DestFs(dest))
	err = exec.Apply(ctx, plan, "/out", false)
	require.Error(t, err)

	var ierr *IntegrityError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, []string{"broken.txt"}, ierr.Paths)

	// the intact file was still restored
	got, rerr := afero.ReadFile(dest, "/out/ok.txt")
	require.NoError(t, rerr)
	require.Equal(t, []byte("fine\n"), got)
}
