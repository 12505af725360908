// Package refs implements the named pointer table over commits.
//
// Three classes exist: session refs track the moving head of a live
// session, checkpoint refs pin individual commits, and protected refs
// mark commits that survive garbage collection and refuse deletion.
// Each mutation is serialized per ref name; readers and the collector
// work from immutable radix snapshots and never block writers.
package refs

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	policystatus "github.com/provtrail/provtrail/pkg/policy/status"
	"github.com/provtrail/provtrail/pkg/refs/status"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"go.uber.org/zap"
)

// Option configures a ref manager
type Option func(*Manager)

// Logger sets a logger for ref operations
func Logger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.l = l
		}
	}
}

// CommitChecker verifies that a commit id resolves to a stored commit
// before a ref may point at it.
type CommitChecker func(ctx context.Context, commit string) (bool, error)

// AncestryChecker reports whether ancestor appears in commit's parent
// chain. When configured, Advance refuses commits that would rewind or
// fork the ref's history.
type AncestryChecker func(ctx context.Context, commit, ancestor string) (bool, error)

// Ancestry enables the advance-only-forward check on session refs.
func Ancestry(check AncestryChecker) Option {
	return func(m *Manager) {
		m.ancestry = check
	}
}

// Manager owns the ref table.
type Manager struct {
	backend  storage.Store
	check    CommitChecker
	ancestry AncestryChecker
	l        *zap.Logger

	mu    sync.Mutex // guards locks map and tree swaps
	locks map[string]*sync.Mutex
	tree  *iradix.Tree // mirror of the on-disk table, for snapshots
}

// New loads the ref table from the backend.
func New(ctx context.Context, backend storage.Store, check CommitChecker, opts ...Option) (*Manager, error) {
	m := &Manager{
		backend: backend,
		check:   check,
		locks:   make(map[string]*sync.Mutex),
		tree:    iradix.New(),
		l:       zap.NewNop(),
	}
	for _, apply := range opts {
		apply(m)
	}
	for _, class := range []model.RefClass{model.RefClassSession, model.RefClassCheckpoint, model.RefClassProtected} {
		keys, err := backend.KeysPrefix(ctx, model.GetArchivePathPrefixToRefs(class))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			desc, err := m.readDesc(ctx, k)
			if err != nil {
				return nil, err
			}
			m.tree, _, _ = m.tree.Insert(treeKey(desc.Class, desc.Name), desc)
		}
	}
	return m, nil
}

func treeKey(class model.RefClass, name string) []byte {
	return []byte(string(class) + "/" + name)
}

// Get returns the descriptor of a ref.
func (m *Manager) Get(ctx context.Context, class model.RefClass, name string) (model.RefDescriptor, error) {
	desc, err := m.readDesc(ctx, model.GetArchivePathToRef(class, name))
	if errors.Is(err, storagestatus.ErrNotFound) {
		return model.RefDescriptor{}, status.ErrNotFound
	}
	return desc, err
}

// Create writes a new ref. Creation of an existing name fails,
// whatever the class.
func (m *Manager) Create(ctx context.Context, class model.RefClass, name, commit string) (model.RefDescriptor, error) {
	unlock := m.lockRef(class, name)
	defer unlock()

	if err := m.checkCommit(ctx, commit); err != nil {
		return model.RefDescriptor{}, err
	}
	now := time.Now().UTC()
	desc := model.RefDescriptor{
		Name:    name,
		Class:   class,
		Commit:  commit,
		Created: now,
		Updated: now,
	}
	err := m.writeDesc(ctx, desc, storage.NoOverWrite)
	if errors.Is(err, storagestatus.ErrExists) {
		return model.RefDescriptor{}, status.ErrExists
	}
	if err != nil {
		return model.RefDescriptor{}, err
	}
	m.mirror(desc)
	m.l.Debug("ref created",
		zap.String("class", string(class)),
		zap.String("ref", name),
		zap.String("commit", commit),
	)
	return desc, nil
}

// Advance moves a session ref to a new commit. Checkpoint refs pin
// forever and protected refs refuse all mutation.
func (m *Manager) Advance(ctx context.Context, class model.RefClass, name, commit string) (model.RefDescriptor, error) {
	switch class {
	case model.RefClassProtected:
		return model.RefDescriptor{}, policystatus.ErrPolicyViolation
	case model.RefClassCheckpoint:
		return model.RefDescriptor{}, status.ErrImmutable
	}

	unlock := m.lockRef(class, name)
	defer unlock()

	desc, err := m.Get(ctx, class, name)
	if err != nil {
		return model.RefDescriptor{}, err
	}
	if err := m.checkCommit(ctx, commit); err != nil {
		return model.RefDescriptor{}, err
	}
	if m.ancestry != nil && desc.Commit != "" && desc.Commit != commit {
		ok, err := m.ancestry(ctx, commit, desc.Commit)
		if err != nil {
			return model.RefDescriptor{}, err
		}
		if !ok {
			return model.RefDescriptor{}, status.ErrDiverged
		}
	}
	desc.Commit = commit
	desc.Updated = time.Now().UTC()
	if err := m.writeDesc(ctx, desc, storage.OverWrite); err != nil {
		return model.RefDescriptor{}, err
	}
	m.mirror(desc)
	return desc, nil
}

// Promote pins a commit under a protected ref. Protected refs cannot
// be advanced or deleted afterwards.
func (m *Manager) Promote(ctx context.Context, name, commit string) (model.RefDescriptor, error) {
	return m.Create(ctx, model.RefClassProtected, name, commit)
}

// Delete removes a session or checkpoint ref. Protected refs refuse.
func (m *Manager) Delete(ctx context.Context, class model.RefClass, name string) error {
	if class == model.RefClassProtected {
		return policystatus.ErrPolicyViolation
	}
	unlock := m.lockRef(class, name)
	defer unlock()

	if _, err := m.Get(ctx, class, name); err != nil {
		return err
	}
	if err := m.backend.Delete(ctx, model.GetArchivePathToRef(class, name)); err != nil {
		return err
	}
	m.mu.Lock()
	m.tree, _, _ = m.tree.Delete(treeKey(class, name))
	m.mu.Unlock()
	m.l.Debug("ref deleted", zap.String("class", string(class)), zap.String("ref", name))
	return nil
}

// List returns all refs of one class, in name order.
func (m *Manager) List(ctx context.Context, class model.RefClass) ([]model.RefDescriptor, error) {
	var out []model.RefDescriptor
	it := m.Snapshot().Root().Iterator()
	it.SeekPrefix([]byte(string(class) + "/"))
	for _, v, ok := it.Next(); ok; _, v, ok = it.Next() {
		out = append(out, v.(model.RefDescriptor))
	}
	return out, nil
}

// Snapshot returns an immutable view of the ref table. The collector
// walks this without holding any lock; refs created after the snapshot
// are protected by the collector's cutoff instead.
func (m *Manager) Snapshot() *iradix.Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree
}

func (m *Manager) lockRef(class model.RefClass, name string) func() {
	key := string(treeKey(class, name))
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) mirror(desc model.RefDescriptor) {
	m.mu.Lock()
	m.tree, _, _ = m.tree.Insert(treeKey(desc.Class, desc.Name), desc)
	m.mu.Unlock()
}

func (m *Manager) checkCommit(ctx context.Context, commit string) error {
	if m.check == nil {
		return nil
	}
	ok, err := m.check(ctx, commit)
	if err != nil {
		return err
	}
	if !ok {
		return status.ErrUnknownCommit
	}
	return nil
}

func (m *Manager) readDesc(ctx context.Context, key string) (model.RefDescriptor, error) {
	rdr, err := m.backend.Get(ctx, key)
	if err != nil {
		return model.RefDescriptor{}, err
	}
	raw, err := io.ReadAll(rdr)
	_ = rdr.Close()
	if err != nil {
		return model.RefDescriptor{}, err
	}
	return model.UnmarshalRef(raw)
}

func (m *Manager) writeDesc(ctx context.Context, desc model.RefDescriptor, overwrite bool) error {
	raw, err := model.MarshalRef(desc)
	if err != nil {
		return err
	}
	return m.backend.Put(ctx, model.GetArchivePathToRef(desc.Class, desc.Name), bytes.NewReader(raw), overwrite)
}
