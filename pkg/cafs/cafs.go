// Package cafs implements the content-addressable blob store.
//
// Objects are addressed by the blake2b-256 digest of their logical
// bytes and stored compressed under one of three representations:
// verbatim (full), unified diff against a base blob (diff), or an
// ordered chunk map produced by content-defined chunking (chunkmap).
// Writes are append-only and idempotent: re-putting identical bytes
// returns the same digest without duplicate storage.
package cafs

import (
	"bytes"
	"context"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	units "github.com/docker/go-units"
	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/policy"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"go.uber.org/zap"
)

const (
	// DefaultCacheEntries bounds the reconstructed-content LRU
	DefaultCacheEntries = 512

	// MaxCachedObjectSize keeps very large reconstructions out of the cache
	MaxCachedObjectSize = 4 * units.MiB
)

// PutRes holds the result from a Put operation
type PutRes struct {
	Hash          digest.Digest  // content digest of the logical bytes
	Encoding      model.Encoding // representation chosen for this object
	Found         bool           // the digest was already stored
	Written       int64          // logical bytes covered by the write
	StoredBytes   int64          // bytes added to the backend (envelopes included)
	StoredObjects int64          // objects added to the backend
}

// BlobInfo describes a stored object without reconstructing it.
type BlobInfo struct {
	Encoding    model.Encoding
	LogicalSize int64
	StoredSize  int64
	Base        digest.Digest // for diff encoded objects
}

// Fs implementations provide content-addressable storage operations
type Fs interface {
	Put(ctx context.Context, path string, content []byte, base digest.Digest) (PutRes, error)
	Get(ctx context.Context, hash digest.Digest) ([]byte, error)
	Has(ctx context.Context, hash digest.Digest) (bool, error)
	Info(ctx context.Context, hash digest.Digest) (BlobInfo, error)
	// Dependencies lists the digests an object needs for
	// reconstruction: the diff base, or the chunks of a chunk map.
	Dependencies(ctx context.Context, hash digest.Digest) ([]digest.Digest, error)
	Verify(ctx context.Context, hash digest.Digest) error
	Delete(ctx context.Context, hash digest.Digest) error
	Keys(ctx context.Context) ([]digest.Digest, error)
	ChunkKeys(ctx context.Context) ([]digest.Digest, error)
	Pack(ctx context.Context, maxStoredSize int64, keep func(string) bool) (int, error)
}

// Option configures the blob store
type Option func(*defaultFs)

// Logger sets a logger for this store
func Logger(l *zap.Logger) Option {
	return func(f *defaultFs) {
		if l != nil {
			f.l = l
		}
	}
}

// CacheEntries sets the size of the reconstructed content cache
func CacheEntries(n int) Option {
	return func(f *defaultFs) {
		if n > 0 {
			f.cacheEntries = n
		}
	}
}

var _ Fs = &defaultFs{}

// New creates a content-addressable store over a storage backend.
func New(backend storage.Store, cfg policy.Config, opts ...Option) (Fs, error) {
	f := &defaultFs{
		backend:      backend,
		selector:     newSelector(cfg),
		chunker:      newChunker(cfg.Chunking),
		level:        cfg.Compress.Level,
		cacheEntries: DefaultCacheEntries,
		l:            zap.NewNop(),
		packs:        newPackIndex(backend),
	}
	for _, apply := range opts {
		apply(f)
	}
	var err error
	f.cache, err = lru.New(f.cacheEntries)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type defaultFs struct {
	backend      storage.Store
	selector     *selector
	chunker      *chunker
	level        int
	l            *zap.Logger
	cache        *lru.Cache
	cacheEntries int
	packs        *packIndex
	writeMu      sync.Mutex // serializes multi-object writes (chunk fan-out)
}

func (d *defaultFs) Put(ctx context.Context, path string, content []byte, base digest.Digest) (PutRes, error) {
	hash := digest.OfBytes(content)
	res := PutRes{Hash: hash, Written: int64(len(content))}

	// idempotence: duplicate writes are short-circuited before any IO
	if has, err := d.hasObject(ctx, hash); err != nil {
		return res, err
	} else if has {
		info, err := d.Info(ctx, hash)
		if err != nil {
			return res, err
		}
		res.Found = true
		res.Encoding = info.Encoding
		return res, nil
	}

	var baseContent []byte
	if !base.IsZero() {
		b, err := d.Get(ctx, base)
		if err == nil {
			baseContent = b
		} else if !errors.Is(err, status.ErrNotFound) {
			return res, err
		}
	}

	dec, diffBody, err := d.selector.selectRepr(path, content, baseContent, base)
	if err != nil {
		return res, err
	}

	var body []byte
	env := envelope{Repr: dec.Repr, Codec: dec.Codec, LogicalSize: int64(len(content))}

	switch dec.Repr {
	case reprDiff:
		env.Base = base
		body = diffBody
	case reprChunkMap:
		m, payloads := d.chunker.mapContent(content)
		stored, count, err := d.putChunks(ctx, dec.Codec, m, payloads)
		if err != nil {
			return res, err
		}
		res.StoredBytes += stored
		res.StoredObjects += count
		body, err = encodeChunkMap(m)
		if err != nil {
			return res, err
		}
	default:
		body = content
	}

	compressed, err := compressBody(body, dec.Codec, d.level)
	if err != nil {
		return res, err
	}
	obj := encodeEnvelope(env, compressed)

	key := model.GetArchivePathToBlob(hash.String())
	err = d.backend.Put(ctx, key, bytes.NewReader(obj), storage.NoOverWrite)
	if errors.Is(err, storagestatus.ErrExists) {
		// concurrent writer of identical content converged first
		res.Found = true
		res.Encoding = dec.Repr.Encoding()
		return res, nil
	}
	if err != nil {
		return res, err
	}

	res.Encoding = dec.Repr.Encoding()
	res.StoredBytes += int64(len(obj))
	res.StoredObjects++
	d.l.Debug("cafs put",
		zap.Stringer("hash", hash),
		zap.String("encoding", string(res.Encoding)),
		zap.Int64("stored_bytes", res.StoredBytes),
	)
	return res, nil
}

func (d *defaultFs) putChunks(ctx context.Context, codec codecTag, m chunkMap, payloads map[digest.Digest][]byte) (int64, int64, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	var stored, count int64
	for _, ref := range m.Chunks {
		h, err := digest.FromString(ref.Hash)
		if err != nil {
			return stored, count, err
		}
		key := model.GetArchivePathToChunk(ref.Hash)
		if has, err := d.backend.Has(ctx, key); err != nil {
			return stored, count, err
		} else if has {
			continue
		}
		data := payloads[h]
		compressed, err := compressBody(data, codec, d.level)
		if err != nil {
			return stored, count, err
		}
		obj := encodeEnvelope(envelope{Repr: reprFull, Codec: codec, LogicalSize: int64(len(data))}, compressed)
		err = d.backend.Put(ctx, key, bytes.NewReader(obj), storage.NoOverWrite)
		if err != nil && !errors.Is(err, storagestatus.ErrExists) {
			return stored, count, err
		}
		if err == nil {
			stored += int64(len(obj))
			count++
		}
	}
	return stored, count, nil
}

func (d *defaultFs) Get(ctx context.Context, hash digest.Digest) ([]byte, error) {
	if v, ok := d.cache.Get(hash); ok {
		return v.([]byte), nil
	}

	content, err := d.reconstruct(ctx, hash)
	if err != nil {
		return nil, err
	}

	// reconstructed bytes must re-hash to the requested digest
	if digest.OfBytes(content) != hash {
		return nil, status.ErrCorruption.Wrap(&IntegrityError{Hash: hash})
	}
	if int64(len(content)) <= MaxCachedObjectSize {
		d.cache.Add(hash, content)
	}
	return content, nil
}

func (d *defaultFs) reconstruct(ctx context.Context, hash digest.Digest) ([]byte, error) {
	raw, err := d.readObject(ctx, hash)
	if err != nil {
		return nil, err
	}
	env, body, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	body, err = decompressBody(body, env.Codec, env.LogicalSize)
	if err != nil {
		return nil, status.ErrCorruption.Wrap(err)
	}

	switch env.Repr {
	case reprFull:
		return body, nil

	case reprDiff:
		base, err := d.Get(ctx, env.Base)
		if errors.Is(err, status.ErrNotFound) {
			// a missing base violates immutability: corruption, not absence
			return nil, status.ErrCorruption.Wrap(&IntegrityError{Hash: hash, Missing: env.Base})
		}
		if err != nil {
			return nil, err
		}
		return applyDiff(base, body)

	case reprChunkMap:
		m, err := decodeChunkMap(body)
		if err != nil {
			return nil, status.ErrCorruption.Wrap(err)
		}
		out := make([]byte, 0, m.Total)
		for _, ref := range m.Chunks {
			chunk, err := d.getChunk(ctx, ref)
			if err != nil {
				return nil, err
			}
			out = append(out, chunk...)
		}
		return out, nil

	default:
		return nil, status.ErrBadEnvelope
	}
}

func (d *defaultFs) getChunk(ctx context.Context, ref chunkRef) ([]byte, error) {
	h, err := digest.FromString(ref.Hash)
	if err != nil {
		return nil, status.ErrCorruption.Wrap(err)
	}
	raw, err := d.readAll(ctx, model.GetArchivePathToChunk(ref.Hash))
	if errors.Is(err, storagestatus.ErrNotFound) {
		return nil, status.ErrCorruption.Wrap(&IntegrityError{Missing: h})
	}
	if err != nil {
		return nil, err
	}
	env, body, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	chunk, err := decompressBody(body, env.Codec, env.LogicalSize)
	if err != nil {
		return nil, status.ErrCorruption.Wrap(err)
	}
	if digest.OfBytes(chunk) != h {
		return nil, status.ErrCorruption.Wrap(&IntegrityError{Hash: h})
	}
	return chunk, nil
}

func (d *defaultFs) Has(ctx context.Context, hash digest.Digest) (bool, error) {
	return d.hasObject(ctx, hash)
}

func (d *defaultFs) hasObject(ctx context.Context, hash digest.Digest) (bool, error) {
	has, err := d.backend.Has(ctx, model.GetArchivePathToBlob(hash.String()))
	if err != nil || has {
		return has, err
	}
	return d.packs.has(ctx, hash)
}

func (d *defaultFs) Info(ctx context.Context, hash digest.Digest) (BlobInfo, error) {
	raw, err := d.readObject(ctx, hash)
	if err != nil {
		return BlobInfo{}, err
	}
	env, _, err := decodeEnvelope(raw)
	if err != nil {
		return BlobInfo{}, err
	}
	return BlobInfo{
		Encoding:    env.Repr.Encoding(),
		LogicalSize: env.LogicalSize,
		StoredSize:  int64(len(raw)),
		Base:        env.Base,
	}, nil
}

func (d *defaultFs) Dependencies(ctx context.Context, hash digest.Digest) ([]digest.Digest, error) {
	raw, err := d.readObject(ctx, hash)
	if err != nil {
		return nil, err
	}
	env, body, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Repr {
	case reprDiff:
		return []digest.Digest{env.Base}, nil
	case reprChunkMap:
		body, err = decompressBody(body, env.Codec, env.LogicalSize)
		if err != nil {
			return nil, status.ErrCorruption.Wrap(err)
		}
		m, err := decodeChunkMap(body)
		if err != nil {
			return nil, status.ErrCorruption.Wrap(err)
		}
		deps := make([]digest.Digest, 0, len(m.Chunks))
		for _, ref := range m.Chunks {
			h, err := digest.FromString(ref.Hash)
			if err != nil {
				return nil, status.ErrCorruption.Wrap(err)
			}
			deps = append(deps, h)
		}
		return deps, nil
	default:
		return nil, nil
	}
}

// Verify checks that the object and everything it depends on
// reconstructs to its digest, without keeping the content.
func (d *defaultFs) Verify(ctx context.Context, hash digest.Digest) error {
	_, err := d.Get(ctx, hash)
	return err
}

func (d *defaultFs) Delete(ctx context.Context, hash digest.Digest) error {
	d.cache.Remove(hash)
	return d.backend.Delete(ctx, model.GetArchivePathToBlob(hash.String()))
}

func (d *defaultFs) Keys(ctx context.Context) ([]digest.Digest, error) {
	return d.keysUnder(ctx, "blobs/")
}

func (d *defaultFs) ChunkKeys(ctx context.Context) ([]digest.Digest, error) {
	return d.keysUnder(ctx, "chunks/")
}

func (d *defaultFs) keysUnder(ctx context.Context, prefix string) ([]digest.Digest, error) {
	keys, err := d.backend.KeysPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	res := make([]digest.Digest, 0, len(keys))
	for _, k := range keys {
		hex := k[len(k)-digest.SizeHex:]
		h, err := digest.FromString(hex)
		if err != nil {
			continue // not an object key
		}
		res = append(res, h)
	}
	return res, nil
}

func (d *defaultFs) readObject(ctx context.Context, hash digest.Digest) ([]byte, error) {
	raw, err := d.readAll(ctx, model.GetArchivePathToBlob(hash.String()))
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, storagestatus.ErrNotFound) {
		return nil, err
	}
	raw, perr := d.packs.read(ctx, hash)
	if perr == nil {
		return raw, nil
	}
	if errors.Is(perr, storagestatus.ErrNotFound) {
		return nil, status.ErrNotFound
	}
	return nil, perr
}

func (d *defaultFs) readAll(ctx context.Context, key string) ([]byte, error) {
	rdr, err := d.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(rdr)
	if err != nil {
		_ = rdr.Close()
		return nil, err
	}
	if err = rdr.Close(); err != nil {
		return nil, err
	}
	return b, nil
}

// IntegrityError carries forensic context for corruption reports.
type IntegrityError struct {
	Hash    digest.Digest // object that failed verification
	Missing digest.Digest // dependency that could not be found
}

func (e *IntegrityError) Error() string {
	if !e.Missing.IsZero() {
		return "missing dependency " + e.Missing.String() + " for object " + e.Hash.String()
	}
	return "object " + e.Hash.String() + " does not reconstruct to its digest"
}
