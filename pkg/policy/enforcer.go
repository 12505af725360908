package policy

import (
	"regexp"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/provtrail/provtrail/pkg/errors"
	"github.com/provtrail/provtrail/pkg/policy/status"
	"go.uber.org/zap"
)

var (
	errSoftAboveHard = errors.New("soft limit above hard limit")
	errChunkSizes    = errors.New("chunk sizes must satisfy min <= target <= max")
	errDiffRatio     = errors.New("diff ratio must be within [0,1]")
	errUnknownCodec  = errors.New("unknown compression codec")
)

// AdmissionResult reports the outcome of a successful admission check.
type AdmissionResult struct {
	// CompactionHint is set when the write is admitted but the running
	// total has crossed the soft limit: callers should schedule GC.
	CompactionHint bool
}

// Enforcer runs synchronously before any durable write. All rejections
// are side-effect free: nothing has been journaled or stored when an
// admission error returns.
type Enforcer struct {
	cfg       Config
	patterns  []*regexp.Regexp
	allow     []glob.Glob
	usedBytes atomic.Int64
	usedObjs  atomic.Int64
	l         *zap.Logger
}

// NewEnforcer compiles the redaction patterns and path allowances of a
// validated config.
func NewEnforcer(cfg Config, l *zap.Logger) (*Enforcer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = zap.NewNop()
	}
	e := &Enforcer{cfg: cfg, l: l}
	for _, p := range cfg.Redaction.Patterns {
		e.patterns = append(e.patterns, regexp.MustCompile(p))
	}
	for _, p := range cfg.Redaction.AllowPaths {
		e.allow = append(e.allow, glob.MustCompile(p))
	}
	return e, nil
}

// Config returns the validated configuration driving the enforcer.
func (e *Enforcer) Config() Config {
	return e.cfg
}

// CheckAdmission gates a pending write: redaction first, then budget.
// The byte count is the payload's logical size, a conservative upper
// bound on what storage will actually grow by after dedup and
// compression.
func (e *Enforcer) CheckAdmission(path string, payload []byte) (AdmissionResult, error) {
	if err := e.checkRedaction(path, payload); err != nil {
		return AdmissionResult{}, err
	}
	return e.checkBudget(int64(len(payload)))
}

func (e *Enforcer) checkRedaction(path string, payload []byte) error {
	for _, g := range e.allow {
		if g.Match(path) {
			return nil
		}
	}
	for _, re := range e.patterns {
		if re.Match(payload) {
			e.l.Warn("payload rejected by redaction gate",
				zap.String("path", path),
				zap.String("pattern", re.String()),
			)
			return status.ErrRedactionViolation
		}
	}
	return nil
}

func (e *Enforcer) checkBudget(size int64) (AdmissionResult, error) {
	var res AdmissionResult
	if e.cfg.Budget.MaxObjects > 0 && e.usedObjs.Load()+1 > e.cfg.Budget.MaxObjects {
		return res, status.ErrBudgetExceeded
	}
	if e.cfg.Budget.HardBytes > 0 && e.usedBytes.Load()+size > e.cfg.Budget.HardBytes {
		return res, status.ErrBudgetExceeded
	}
	if e.cfg.Budget.SoftBytes > 0 && e.usedBytes.Load()+size > e.cfg.Budget.SoftBytes {
		res.CompactionHint = true
	}
	return res, nil
}

// Acknowledge records bytes and objects actually written, after the
// journal confirmed them.
func (e *Enforcer) Acknowledge(bytes int64, objects int64) {
	e.usedBytes.Add(bytes)
	e.usedObjs.Add(objects)
}

// SetUsage overwrites the running totals, typically after a GC run or
// a startup scan re-measured the store.
func (e *Enforcer) SetUsage(bytes int64, objects int64) {
	e.usedBytes.Store(bytes)
	e.usedObjs.Store(objects)
}

// Usage returns the running byte and object totals.
func (e *Enforcer) Usage() (bytes int64, objects int64) {
	return e.usedBytes.Load(), e.usedObjs.Load()
}

// OverSoftLimit reports whether current usage has crossed the soft limit.
func (e *Enforcer) OverSoftLimit() bool {
	return e.cfg.Budget.SoftBytes > 0 && e.usedBytes.Load() > e.cfg.Budget.SoftBytes
}
