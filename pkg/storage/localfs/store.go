// Package localfs implements the storage.Store interface on a local
// file system.
//
// Writes go through a staging area and are renamed into place, so a
// Put is atomic on filesystems with atomic Rename. Files are opened
// with O_SYNC: a successful Put is the durability point for the
// object.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/storage"
	"github.com/provtrail/provtrail/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
)

const stageName = ".put-stage"

var errInvalidKey = errors.New("key conflicts with the put staging area")

// New creates a local file system backed storage store rooted at the
// given afero filesystem. A nil fs defaults to the OS filesystem
// rooted at basePath.
func New(fs afero.Fs, basePath string) (storage.Store, error) {
	if fs == nil {
		fs = afero.NewBasePathFs(afero.NewOsFs(), basePath)
	}
	if err := fs.MkdirAll(stageName, 0700); err != nil {
		return nil, errors.New("ensuring put staging directory").Wrap(err)
	}
	return &localFS{fs: fs}, nil
}

type localFS struct {
	fs afero.Fs
}

func maybeInvalidKey(key string) error {
	const sep = string(os.PathSeparator)
	parts := strings.Split(strings.TrimLeft(key, sep), sep)
	if len(parts) > 0 && parts[0] == stageName {
		return errInvalidKey
	}
	return nil
}

func (l *localFS) Has(_ context.Context, key string) (bool, error) {
	if err := maybeInvalidKey(key); err != nil {
		return false, err
	}
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !fi.IsDir(), nil
}

func (l *localFS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	has, err := l.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, status.ErrNotFound
	}
	return l.fs.Open(key)
}

func (l *localFS) GetAttr(ctx context.Context, key string) (storage.Attributes, error) {
	if err := maybeInvalidKey(key); err != nil {
		return storage.Attributes{}, err
	}
	fi, err := l.fs.Stat(key)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.Attributes{}, status.ErrNotFound
		}
		return storage.Attributes{}, err
	}
	return storage.Attributes{
		Size:    fi.Size(),
		Updated: fi.ModTime(),
	}, nil
}

func (l *localFS) Put(ctx context.Context, key string, source io.Reader, overwrite bool) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if !overwrite {
		has, err := l.Has(ctx, key)
		if err != nil {
			return err
		}
		if has {
			return status.ErrExists
		}
	}

	// each Put stages under its own name: concurrent writers of the
	// same key must not share a stage file
	stageKey := filepath.Join(stageName, key) + "." + ksuid.New().String()
	if dir := filepath.Dir(stageKey); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return errors.New("ensuring staging directories").Wrap(err)
		}
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC | os.O_SYNC
	target, err := l.fs.OpenFile(stageKey, flag, 0600)
	if err != nil {
		return errors.New("create staged record").Wrap(err)
	}
	if _, err = storage.PipeIO(target, source); err != nil {
		_ = target.Close()
		return errors.New("write staged record").Wrap(err)
	}
	if err = target.Close(); err != nil {
		return err
	}

	// Rename() doesn't create directories automatically
	if dir := filepath.Dir(key); dir != "" {
		if err := l.fs.MkdirAll(dir, 0700); err != nil {
			return errors.New("ensuring directories").Wrap(err)
		}
	}
	return l.fs.Rename(stageKey, key)
}

func (l *localFS) Delete(_ context.Context, key string) error {
	if err := maybeInvalidKey(key); err != nil {
		return err
	}
	if err := l.fs.Remove(key); err != nil && !os.IsNotExist(err) {
		return errors.New("removing record").Wrap(err)
	}
	return nil
}

func (l *localFS) Keys(ctx context.Context) ([]string, error) {
	return l.KeysPrefix(ctx, "")
}

func (l *localFS) KeysPrefix(_ context.Context, prefix string) ([]string, error) {
	const root = "."
	var res []string
	err := afero.Walk(l.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == root || info.IsDir() {
			if maybeInvalidKey(path) != nil {
				return filepath.SkipDir
			}
			return nil
		}
		if maybeInvalidKey(path) != nil {
			return nil
		}
		if prefix != "" && !strings.HasPrefix(path, prefix) {
			return nil
		}
		res = append(res, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(res)
	return res, nil
}

func (l *localFS) Clear(_ context.Context) error {
	if err := l.fs.RemoveAll("/"); err != nil {
		return err
	}
	return l.fs.MkdirAll(stageName, 0700)
}

func (l *localFS) String() string {
	const localfs = "localfs"
	switch fs := l.fs.(type) {
	case *afero.BasePathFs:
		pp, err := fs.RealPath("")
		if err != nil {
			return localfs
		}
		return localfs + "@" + pp
	default:
		return localfs
	}
}
