package cafs

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

var errTruncatedPack = errors.New("pack file shorter than its index")

// packEntry locates one object inside a pack file.
type packEntry struct {
	Hash   string `json:"hash" yaml:"hash"`
	Offset int64  `json:"offset" yaml:"offset"`
	Length int64  `json:"length" yaml:"length"`
	_      struct{}
}

// packDescriptor is the sidecar index written next to each pack file.
// Objects keep their logical digests: a packed object reads back
// byte-identical to its loose form.
type packDescriptor struct {
	ID      string      `json:"id" yaml:"id"`
	Created time.Time   `json:"created" yaml:"created"`
	Entries []packEntry `json:"entries" yaml:"entries"`
	_       struct{}
}

type packLoc struct {
	pack   string
	offset int64
	length int64
}

// packIndex resolves digests to pack file ranges. Indexes are loaded
// lazily on the first packed lookup and refreshed after each Pack run.
type packIndex struct {
	backend storage.Store

	mu     sync.Mutex
	loaded bool
	locs   map[digest.Digest]packLoc

	// single pack read-through cache: restores touch packs in runs
	lastPack string
	lastData []byte
}

func newPackIndex(backend storage.Store) *packIndex {
	return &packIndex{backend: backend, locs: make(map[digest.Digest]packLoc)}
}

func (p *packIndex) has(ctx context.Context, hash digest.Digest) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return false, err
	}
	_, ok := p.locs[hash]
	return ok, nil
}

func (p *packIndex) read(ctx context.Context, hash digest.Digest) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, err
	}
	loc, ok := p.locs[hash]
	if !ok {
		return nil, storagestatus.ErrNotFound
	}

	if p.lastPack != loc.pack {
		data, err := readAllFrom(ctx, p.backend, model.GetArchivePathToPack(loc.pack))
		if err != nil {
			return nil, err
		}
		p.lastPack, p.lastData = loc.pack, data
	}
	if loc.offset+loc.length > int64(len(p.lastData)) {
		return nil, status.ErrCorruption.Wrap(errTruncatedPack)
	}
	out := make([]byte, loc.length)
	copy(out, p.lastData[loc.offset:loc.offset+loc.length])
	return out, nil
}

func (p *packIndex) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	keys, err := p.backend.KeysPrefix(ctx, "packs/")
	if err != nil {
		return err
	}
	for _, k := range keys {
		if !strings.HasSuffix(k, ".idx.json") {
			continue
		}
		raw, err := readAllFrom(ctx, p.backend, k)
		if err != nil {
			return err
		}
		var desc packDescriptor
		if err := json.Unmarshal(raw, &desc); err != nil {
			return err
		}
		p.addLocked(desc)
	}
	p.loaded = true
	return nil
}

func (p *packIndex) addLocked(desc packDescriptor) {
	for _, e := range desc.Entries {
		h, err := digest.FromString(e.Hash)
		if err != nil {
			continue
		}
		p.locs[h] = packLoc{pack: desc.ID, offset: e.Offset, length: e.Length}
	}
}

func (p *packIndex) register(desc packDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(desc)
}

// Pack consolidates loose blobs whose stored size does not exceed
// maxStoredSize into a single pack file, then removes the loose copies.
// Objects for which keep returns false are skipped. The pack file and
// its index are written before any loose blob is deleted, so a crash
// mid-pack only leaves harmless duplicates.
func (d *defaultFs) Pack(ctx context.Context, maxStoredSize int64, keep func(string) bool) (int, error) {
	hashes, err := d.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var (
		buf     bytes.Buffer
		desc    = packDescriptor{ID: ksuid.New().String(), Created: time.Now().UTC()}
		looseKs []string
	)
	for _, h := range hashes {
		if keep != nil && !keep(h.String()) {
			continue
		}
		key := model.GetArchivePathToBlob(h.String())
		attr, err := d.backend.GetAttr(ctx, key)
		if errors.Is(err, storagestatus.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if attr.Size > maxStoredSize {
			continue
		}
		raw, err := d.readAll(ctx, key)
		if err != nil {
			return 0, err
		}
		desc.Entries = append(desc.Entries, packEntry{
			Hash:   h.String(),
			Offset: int64(buf.Len()),
			Length: int64(len(raw)),
		})
		buf.Write(raw)
		looseKs = append(looseKs, key)
	}
	if len(desc.Entries) < 2 {
		return 0, nil // nothing worth consolidating
	}

	err = d.backend.Put(ctx, model.GetArchivePathToPack(desc.ID), bytes.NewReader(buf.Bytes()), storage.NoOverWrite)
	if err != nil {
		return 0, err
	}
	idx, err := json.Marshal(desc)
	if err != nil {
		return 0, err
	}
	err = d.backend.Put(ctx, model.GetArchivePathToPackIndex(desc.ID), bytes.NewReader(idx), storage.NoOverWrite)
	if err != nil {
		return 0, err
	}
	d.packs.register(desc)

	for _, k := range looseKs {
		if err := d.backend.Delete(ctx, k); err != nil {
			return 0, err
		}
	}
	d.l.Info("packed small blobs",
		zap.String("pack", desc.ID),
		zap.Int("objects", len(desc.Entries)),
		zap.Int("bytes", buf.Len()),
	)
	return len(desc.Entries), nil
}

func readAllFrom(ctx context.Context, backend storage.Store, key string) ([]byte, error) {
	rdr, err := backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rdr.Close() }()
	b := new(bytes.Buffer)
	if _, err := b.ReadFrom(rdr); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}
