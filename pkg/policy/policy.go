// Package policy holds the validated configuration struct supplied by
// upstream loaders, and the synchronous enforcement gates on the write
// path (budget, redaction) plus retention bookkeeping.
//
// The engine never parses raw config files: an external loader builds
// Config and hands it in.
package policy

import (
	"regexp"
	"time"

	units "github.com/docker/go-units"
	"github.com/gobwas/glob"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/policy/status"
)

// Codec names the supported on-disk compression codecs.
type Codec string

const (
	// CodecNone stores bodies uncompressed
	CodecNone Codec = "none"

	// CodecZstd compresses bodies with zstd
	CodecZstd Codec = "zstd"

	// CodecLZ4 compresses bodies with lz4
	CodecLZ4 Codec = "lz4"
)

// Default thresholds, carried by every store unless overridden.
const (
	DefaultSoftBytes = 512 * units.MiB
	DefaultHardBytes = 1 * units.GiB

	DefaultMaxFullSize  = 2 * units.KiB
	DefaultMaxDiffSize  = 1 * units.MiB
	DefaultMinChunkSize = 4 * units.KiB
	DefaultChunkSize    = 16 * units.KiB
	DefaultMaxChunkSize = 64 * units.KiB
)

// DefaultDiffRatio is the largest diff-size/new-size ratio for which a
// unified diff representation is preferred over re-chunking.
const DefaultDiffRatio = 0.45

// StorageBudget bounds the store's disk footprint. The soft limit
// raises a compaction hint; the hard limit rejects writes.
type StorageBudget struct {
	SoftBytes  int64 `json:"softBytes" yaml:"softBytes"`
	HardBytes  int64 `json:"hardBytes" yaml:"hardBytes"`
	MaxObjects int64 `json:"maxObjects,omitempty" yaml:"maxObjects,omitempty"`
	_          struct{}
}

// Retention governs automatic expiry of session and checkpoint refs.
// Protected refs are never retention candidates.
type Retention struct {
	MinAge            time.Duration `json:"minAge" yaml:"minAge"`
	MaxSessionRefs    int           `json:"maxSessionRefs,omitempty" yaml:"maxSessionRefs,omitempty"`
	MaxCheckpointRefs int           `json:"maxCheckpointRefs,omitempty" yaml:"maxCheckpointRefs,omitempty"`
	_                 struct{}
}

// Compression selects the codec for stored bodies.
type Compression struct {
	Codec Codec `json:"codec" yaml:"codec"`
	Level int   `json:"level,omitempty" yaml:"level,omitempty"`
	_     struct{}
}

// Chunking configures the content-defined chunker.
type Chunking struct {
	MinSize    int64 `json:"minSize" yaml:"minSize"`
	TargetSize int64 `json:"targetSize" yaml:"targetSize"`
	MaxSize    int64 `json:"maxSize" yaml:"maxSize"`
	_          struct{}
}

// Redaction is the pre-admission content gate: payloads matching any
// pattern never reach durable storage.
type Redaction struct {
	Patterns   []string `json:"patterns" yaml:"patterns"`
	AllowPaths []string `json:"allowPaths,omitempty" yaml:"allowPaths,omitempty"`
	_          struct{}
}

// StrategyOverride forces a representation or codec for paths matching
// a glob pattern.
type StrategyOverride struct {
	Pattern    string         `json:"pattern" yaml:"pattern"`
	ForceRepr  model.Encoding `json:"forceRepr,omitempty" yaml:"forceRepr,omitempty"`
	ForceCodec Codec          `json:"forceCodec,omitempty" yaml:"forceCodec,omitempty"`
	_          struct{}
}

// Thresholds drive the pure content strategy selector.
type Thresholds struct {
	MaxFullSize int64   `json:"maxFullSize" yaml:"maxFullSize"`
	MaxDiffSize int64   `json:"maxDiffSize" yaml:"maxDiffSize"`
	DiffRatio   float64 `json:"diffRatio" yaml:"diffRatio"`
	_           struct{}
}

// Config is the complete, already-validated policy handed to the store.
type Config struct {
	Budget     StorageBudget      `json:"budget" yaml:"budget"`
	Retention  Retention          `json:"retention" yaml:"retention"`
	Compress   Compression        `json:"compression" yaml:"compression"`
	Chunking   Chunking           `json:"chunking" yaml:"chunking"`
	Redaction  Redaction          `json:"redaction" yaml:"redaction"`
	Thresholds Thresholds         `json:"thresholds" yaml:"thresholds"`
	Overrides  []StrategyOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`
	Encrypt    bool               `json:"encrypt,omitempty" yaml:"encrypt,omitempty"`
	PackSmall  bool               `json:"packSmall,omitempty" yaml:"packSmall,omitempty"`
	_          struct{}
}

// Default returns the policy used when the caller supplies none.
func Default() Config {
	return Config{
		Budget: StorageBudget{
			SoftBytes: DefaultSoftBytes,
			HardBytes: DefaultHardBytes,
		},
		Retention: Retention{
			MinAge: 24 * time.Hour,
		},
		Compress: Compression{
			Codec: CodecZstd,
			Level: 3,
		},
		Chunking: Chunking{
			MinSize:    DefaultMinChunkSize,
			TargetSize: DefaultChunkSize,
			MaxSize:    DefaultMaxChunkSize,
		},
		Thresholds: Thresholds{
			MaxFullSize: DefaultMaxFullSize,
			MaxDiffSize: DefaultMaxDiffSize,
			DiffRatio:   DefaultDiffRatio,
		},
	}
}

// Validate checks internal consistency of the configuration and
// compiles patterns. It is the single gate between the external config
// loader and the engine.
func (c *Config) Validate() error {
	if c.Budget.HardBytes > 0 && c.Budget.SoftBytes > c.Budget.HardBytes {
		return status.ErrInvalidConfig.Wrap(errSoftAboveHard)
	}
	if c.Chunking.MinSize > c.Chunking.TargetSize || c.Chunking.TargetSize > c.Chunking.MaxSize {
		return status.ErrInvalidConfig.Wrap(errChunkSizes)
	}
	if c.Thresholds.DiffRatio < 0 || c.Thresholds.DiffRatio > 1 {
		return status.ErrInvalidConfig.Wrap(errDiffRatio)
	}
	switch c.Compress.Codec {
	case CodecNone, CodecZstd, CodecLZ4:
	default:
		return status.ErrInvalidConfig.Wrap(errUnknownCodec)
	}
	for _, p := range c.Redaction.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return status.ErrInvalidConfig.Wrap(err)
		}
	}
	for _, p := range c.Redaction.AllowPaths {
		if _, err := glob.Compile(p); err != nil {
			return status.ErrInvalidConfig.Wrap(err)
		}
	}
	for _, o := range c.Overrides {
		if _, err := glob.Compile(o.Pattern); err != nil {
			return status.ErrInvalidConfig.Wrap(err)
		}
	}
	return nil
}
