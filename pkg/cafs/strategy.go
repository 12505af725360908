package cafs

import (
	"bytes"

	"github.com/gobwas/glob"
	"github.com/provtrail/provtrail/pkg/digest"
	"github.com/provtrail/provtrail/pkg/model"
	"github.com/provtrail/provtrail/pkg/policy"
)

// decision is the outcome of strategy selection for one write.
type decision struct {
	Repr  reprTag
	Codec codecTag
}

type compiledOverride struct {
	g     glob.Glob
	repr  model.Encoding
	codec policy.Codec
}

// selector picks the storage representation for new content. It is a
// pure function of (path, old content, new content, thresholds):
// identical inputs always yield the same decision.
type selector struct {
	thresholds policy.Thresholds
	codec      codecTag
	level      int
	overrides  []compiledOverride
}

func newSelector(cfg policy.Config) *selector {
	s := &selector{
		thresholds: cfg.Thresholds,
		codec:      codecFromPolicy(cfg.Compress.Codec),
		level:      cfg.Compress.Level,
	}
	if s.thresholds.MaxFullSize <= 0 {
		s.thresholds.MaxFullSize = policy.DefaultMaxFullSize
	}
	if s.thresholds.MaxDiffSize <= 0 {
		s.thresholds.MaxDiffSize = policy.DefaultMaxDiffSize
	}
	if s.thresholds.DiffRatio <= 0 {
		s.thresholds.DiffRatio = policy.DefaultDiffRatio
	}
	for _, o := range cfg.Overrides {
		s.overrides = append(s.overrides, compiledOverride{
			g:     glob.MustCompile(o.Pattern),
			repr:  o.ForceRepr,
			codec: o.ForceCodec,
		})
	}
	return s
}

// selectRepr decides the representation for content at path, given the
// base content when the caller supplied a valid base digest. The
// returned diff body is only set when reprDiff was chosen.
func (s *selector) selectRepr(path string, content, base []byte, baseHash digest.Digest) (decision, []byte, error) {
	d := decision{Repr: reprFull, Codec: s.codec}

	for _, o := range s.overrides {
		if !o.g.Match(path) {
			continue
		}
		if o.codec != "" {
			d.Codec = codecFromPolicy(o.codec)
		}
		if o.repr != "" {
			d.Repr = reprFromEncoding(o.repr)
			if d.Repr != reprDiff {
				return d, nil, nil
			}
			// a forced diff still needs a usable base: without one, or
			// for content the diff codec cannot represent, degrade to full
			if base == nil || baseHash.IsZero() || !diffable(path, base, content) {
				d.Repr = reprFull
				return d, nil, nil
			}
			body, err := generateDiff(base, content)
			if err != nil || int64(len(body)) > s.thresholds.MaxDiffSize {
				d.Repr = reprFull
				return d, nil, nil
			}
			return d, body, nil
		}
		break
	}

	if int64(len(content)) <= s.thresholds.MaxFullSize {
		return d, nil, nil
	}

	if base != nil && !baseHash.IsZero() && diffable(path, base, content) {
		body, err := generateDiff(base, content)
		if err != nil {
			return d, nil, err
		}
		ratio := float64(len(body)) / float64(len(content))
		if int64(len(body)) <= s.thresholds.MaxDiffSize && ratio <= s.thresholds.DiffRatio {
			d.Repr = reprDiff
			return d, body, nil
		}
	}

	d.Repr = reprChunkMap
	return d, nil, nil
}

// diffable requires newline terminated text on both sides: the diff
// codec reconstructs line by line and cannot represent a missing final
// newline.
func diffable(path string, base, content []byte) bool {
	return len(base) > 0 && len(content) > 0 &&
		bytes.HasSuffix(base, []byte("\n")) && bytes.HasSuffix(content, []byte("\n")) &&
		isTextContent(path, base) && isTextContent(path, content)
}
