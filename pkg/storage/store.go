// Package storage provides the K/V object store abstraction the rest
// of the engine is built on.
//
// Typically this is something file system-like. Implementations of
// this interface are assumed to be fairly simple: the local filesystem
// backend is the default for an embedded store, and the interface
// keeps the door open for alternate single-node backends under test.
package storage

import (
	"context"
	"io"
	"time"
)

const (
	// OverWrite means a Put replaces any existing object at the key
	OverWrite = true

	// NoOverWrite means a Put fails with ErrExists when the key is
	// already present. Content-addressed writes rely on this to
	// short-circuit duplicates.
	NoOverWrite = false
)

// Attributes describe a stored object
type Attributes struct {
	Size    int64
	Updated time.Time
}

// Store implementations know how to read and write entries of a K/V store.
type Store interface {
	String() string
	Has(context.Context, string) (bool, error)
	Get(context.Context, string) (io.ReadCloser, error)
	GetAttr(context.Context, string) (Attributes, error)
	Put(ctx context.Context, key string, source io.Reader, overwrite bool) error
	Delete(context.Context, string) error
	Keys(context.Context) ([]string, error)
	KeysPrefix(ctx context.Context, prefix string) ([]string, error)
	Clear(context.Context) error
}

// PipeIO copies from reader to writer with a modest buffer
func PipeIO(writer io.Writer, reader io.Reader) (n int64, err error) {
	buf := make([]byte, 32*1024)
	return io.CopyBuffer(writer, reader, buf)
}

// ReadAll fetches a whole object into memory
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	rdr, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(rdr)
	if cerr := rdr.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}
