// Package index caches path lookups against committed trees in a
// badger KV store. The cache is derived state: it can be dropped and
// rebuilt from descriptors at any time, and lookups fall through to
// the tree store on miss.
package index

import (
	"context"
	"encoding/json"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/merkle"
	"github.com/provtrail/provtrail/pkg/model"
	"go.uber.org/zap"
)

// Option configures the index
type Option func(*Index)

// Logger sets a logger for the index
func Logger(l *zap.Logger) Option {
	return func(i *Index) {
		if l != nil {
			i.l = l
		}
	}
}

// Index resolves (commit, path) to tree entries.
type Index struct {
	db      *badger.DB
	commits *merkle.Store
	l       *zap.Logger
}

// New opens the index at dir. An empty dir keeps the index in memory.
func New(dir string, commits *merkle.Store, opts ...Option) (*Index, error) {
	badgerOpts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	i := &Index{db: db, commits: commits, l: zap.NewNop()}
	for _, apply := range opts {
		apply(i)
	}
	return i, nil
}

// Close releases the underlying KV store.
func (i *Index) Close() error {
	return i.db.Close()
}

// Lookup resolves a path at a commit. The commit's tree is indexed on
// first touch; subsequent lookups are single KV reads.
func (i *Index) Lookup(ctx context.Context, commit, path string) (model.TreeEntry, bool, error) {
	if err := i.ensureIndexed(ctx, commit); err != nil {
		return model.TreeEntry{}, false, err
	}
	var entry model.TreeEntry
	found := false
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(commit, path))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &entry)
		})
	})
	return entry, found, err
}

// Drop discards all cached entries. The next lookup re-derives them
// from descriptors.
func (i *Index) Drop() error {
	return i.db.DropAll()
}

func (i *Index) ensureIndexed(ctx context.Context, commit string) error {
	indexed := false
	err := i.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(commitKey(commit))
		if err == nil {
			indexed = true
			return nil
		}
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil || indexed {
		return err
	}

	desc, err := i.commits.GetCommit(ctx, commit)
	if err != nil {
		return err
	}
	treeDigest, err := digest.FromString(desc.Tree)
	if err != nil {
		return err
	}
	tree, err := i.commits.GetTree(ctx, treeDigest)
	if err != nil {
		return err
	}

	// batched fill, then the marker key flips the commit visible
	wb := i.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range tree.Entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if err := wb.Set(entryKey(commit, e.Path), raw); err != nil {
			return err
		}
	}
	if err := wb.Set(commitKey(commit), []byte{1}); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	i.l.Debug("indexed commit", zap.String("commit", commit), zap.Int("entries", len(tree.Entries)))
	return nil
}

func entryKey(commit, path string) []byte {
	return []byte("e/" + commit + "/" + path)
}

func commitKey(commit string) []byte {
	return []byte("c/" + commit)
}
