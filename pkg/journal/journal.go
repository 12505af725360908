// Package journal implements the write-ahead log.
//
// Every mutating operation appends one record before its effect is
// acknowledged. Records are individual storage objects keyed by a zero
// padded monotone sequence plus a unique op id, so lexical key order is
// append order and replay never depends on directory timestamps.
// Because the backing store syncs each put, a record that reads back is
// durable.
package journal

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/journal/status"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/storage"
	storagestatus "github.com/provtrail/provtrail/pkg/storage/status"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
)

// Option configures a journal
type Option func(*Journal)

// Logger sets a logger for journal operations
func Logger(l *zap.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.l = l
		}
	}
}

// Journal is a single-writer append log over a storage backend.
type Journal struct {
	backend storage.Store
	l       *zap.Logger

	mu     sync.Mutex // single appender
	seq    uint64     // last assigned sequence
	closed bool
}

// New opens the journal, recovering the last sequence number from the
// existing records.
func New(ctx context.Context, backend storage.Store, opts ...Option) (*Journal, error) {
	j := &Journal{backend: backend, l: zap.NewNop()}
	for _, apply := range opts {
		apply(j)
	}
	keys, err := backend.KeysPrefix(ctx, model.GetArchivePathPrefixToJournal())
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		seq, _, ok := parseJournalKey(k)
		if ok && seq > j.seq {
			j.seq = seq
		}
	}
	return j, nil
}

// Append durably writes one record and returns it with its assigned
// sequence, op id and timestamp filled in. The record is on disk when
// Append returns without error.
func (j *Journal) Append(ctx context.Context, rec model.JournalRecord) (model.JournalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return rec, status.ErrClosed
	}

	j.seq++
	rec.Seq = j.seq
	if rec.Op == "" {
		rec.Op = ksuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	buf, err := model.MarshalJournal(rec)
	if err != nil {
		j.seq--
		return rec, err
	}
	key := model.GetArchivePathToJournal(rec.Seq, rec.Op)
	if err := j.backend.Put(ctx, key, bytes.NewReader(buf), storage.NoOverWrite); err != nil {
		j.seq--
		return rec, err
	}
	j.l.Debug("journal append",
		zap.Uint64("seq", rec.Seq),
		zap.String("op", rec.Op),
		zap.String("kind", string(rec.Kind)),
	)
	return rec, nil
}

// MarkCheckpoint records that all state up to this point is reflected
// in durable descriptors, bounding the work of the next replay.
func (j *Journal) MarkCheckpoint(ctx context.Context, session, commit string) (model.JournalRecord, error) {
	return j.Append(ctx, model.JournalRecord{
		Kind:    model.JournalCheckpointMark,
		Session: session,
		Commit:  commit,
	})
}

// Close stops further appends.
func (j *Journal) Close() {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
}

// Replay reads the log from the last checkpoint mark forward and hands
// each record to apply, in sequence order. Records whose op id repeats
// are skipped, making replay idempotent. Unparseable records are moved
// to quarantine and replay continues; descriptors and objects remain
// the source of truth for anything quarantined.
func (j *Journal) Replay(ctx context.Context, apply func(model.JournalRecord) error) (ReplayReport, error) {
	var report ReplayReport

	keys, err := j.sortedKeys(ctx)
	if err != nil {
		return report, err
	}

	// bound replay at the last parseable checkpoint mark
	start := 0
	for i := len(keys) - 1; i >= 0; i-- {
		rec, _, err := j.readRecord(ctx, keys[i])
		if err != nil || rec == nil {
			continue
		}
		if rec.Kind == model.JournalCheckpointMark {
			start = i + 1
			report.CheckpointSeq = rec.Seq
			break
		}
	}

	seen := make(map[string]bool)
	for _, k := range keys[start:] {
		rec, raw, err := j.readRecord(ctx, k)
		if err != nil {
			return report, err
		}
		if rec == nil {
			if qerr := j.quarantine(ctx, k, raw); qerr != nil {
				return report, qerr
			}
			report.Quarantined++
			continue
		}
		if seen[rec.Op] {
			report.Skipped++
			continue
		}
		seen[rec.Op] = true
		if err := apply(*rec); err != nil {
			return report, err
		}
		report.Applied++
	}
	j.l.Info("journal replay",
		zap.Int("applied", report.Applied),
		zap.Int("skipped", report.Skipped),
		zap.Int("quarantined", report.Quarantined),
	)
	return report, nil
}

// ReplayReport summarizes one replay pass.
type ReplayReport struct {
	CheckpointSeq uint64
	Applied       int
	Skipped       int
	Quarantined   int
}

// Scan verifies that every record parses and that sequence numbers are
// strictly increasing. It never mutates the log.
func (j *Journal) Scan(ctx context.Context) (ScanReport, error) {
	var report ScanReport
	keys, err := j.sortedKeys(ctx)
	if err != nil {
		return report, err
	}
	var prev uint64
	for _, k := range keys {
		report.Records++
		seq, _, ok := parseJournalKey(k)
		if !ok {
			report.Malformed = append(report.Malformed, k)
			continue
		}
		if seq <= prev {
			report.OutOfOrder = append(report.OutOfOrder, k)
		}
		prev = seq
		if rec, _, err := j.readRecord(ctx, k); err != nil {
			return report, err
		} else if rec == nil {
			report.Malformed = append(report.Malformed, k)
		}
	}
	return report, nil
}

// ScanReport summarizes a journal integrity scan.
type ScanReport struct {
	Records    int
	Malformed  []string
	OutOfOrder []string
}

// Ok reports whether the scan found no anomalies.
func (r ScanReport) Ok() bool {
	return len(r.Malformed) == 0 && len(r.OutOfOrder) == 0
}

func (j *Journal) sortedKeys(ctx context.Context) ([]string, error) {
	keys, err := j.backend.KeysPrefix(ctx, model.GetArchivePathPrefixToJournal())
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// readRecord returns (nil, raw, nil) for records that exist but do not
// parse, so callers can quarantine them.
func (j *Journal) readRecord(ctx context.Context, key string) (*model.JournalRecord, []byte, error) {
	rdr, err := j.backend.Get(ctx, key)
	if errors.Is(err, storagestatus.ErrNotFound) {
		return nil, nil, status.ErrCorrupt
	}
	if err != nil {
		return nil, nil, err
	}
	raw, err := io.ReadAll(rdr)
	_ = rdr.Close()
	if err != nil {
		return nil, nil, err
	}
	rec, err := model.UnmarshalJournal(raw)
	if err != nil {
		return nil, raw, nil
	}
	if seq, op, ok := parseJournalKey(key); !ok || seq != rec.Seq || op != rec.Op {
		return nil, raw, nil
	}
	return &rec, raw, nil
}

func (j *Journal) quarantine(ctx context.Context, key string, raw []byte) error {
	_, op, ok := parseJournalKey(key)
	if !ok {
		op = strings.TrimPrefix(key, model.GetArchivePathPrefixToJournal())
	}
	qkey := model.GetArchivePathToQuarantine(op)
	err := j.backend.Put(ctx, qkey, bytes.NewReader(raw), storage.OverWrite)
	if err != nil {
		return err
	}
	j.l.Warn("quarantined journal record", zap.String("key", key))
	return j.backend.Delete(ctx, key)
}

func parseJournalKey(key string) (uint64, string, bool) {
	name := strings.TrimPrefix(key, model.GetArchivePathPrefixToJournal())
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 || len(parts[0]) != 16 {
		return 0, "", false
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, parts[1], true
}
