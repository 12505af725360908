package cafs

import (
	"bytes"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/provtrail/provtrail/pkg/cafs/status"
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	errDiffContext = errors.New("diff context does not match base content")
	errDiffBounds  = errors.New("diff hunk outside base content")
)

// generateDiff produces a unified diff from base to content. Both
// buffers must be newline terminated text: the strategy selector
// guarantees this before choosing the diff representation.
//
// Lines are split with splitKeepEnds rather than difflib.SplitLines:
// the latter appends a synthetic empty line, which would inflate the
// hunk's claimed line counts past the actual content.
func generateDiff(base, content []byte) ([]byte, error) {
	ud := difflib.UnifiedDiff{
		A:        splitKeepEnds(base),
		B:        splitKeepEnds(content),
		FromFile: "a/base",
		ToFile:   "b/current",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// applyDiff reconstructs content by applying a unified diff to the
// base blob's content. A context mismatch means the base blob does not
// carry the bytes the diff was computed against, which violates the
// immutability invariant.
func applyDiff(base, diffText []byte) ([]byte, error) {
	fd, err := godiff.ParseFileDiff(diffText)
	if err != nil {
		return nil, status.ErrCorruption.Wrap(err)
	}

	baseLines := splitKeepEnds(base)
	var out bytes.Buffer
	cursor := 0 // index into baseLines of the next unconsumed line

	for _, hunk := range fd.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		if hunk.OrigLines == 0 {
			// pure insertion hunks are anchored after OrigStartLine
			hunkStart = int(hunk.OrigStartLine)
		}
		if hunkStart < cursor || hunkStart > len(baseLines) {
			return nil, status.ErrCorruption.Wrap(errDiffBounds)
		}
		for _, l := range baseLines[cursor:hunkStart] {
			out.WriteString(l)
		}
		cursor = hunkStart

		for _, line := range strings.SplitAfter(string(hunk.Body), "\n") {
			if line == "" {
				continue
			}
			tag, body := line[0], line[1:]
			if !strings.HasSuffix(body, "\n") {
				body += "\n"
			}
			switch tag {
			case ' ':
				if cursor >= len(baseLines) || baseLines[cursor] != body {
					return nil, status.ErrCorruption.Wrap(errDiffContext)
				}
				out.WriteString(body)
				cursor++
			case '-':
				if cursor >= len(baseLines) || baseLines[cursor] != body {
					return nil, status.ErrCorruption.Wrap(errDiffContext)
				}
				cursor++
			case '+':
				out.WriteString(body)
			}
		}
	}

	for _, l := range baseLines[cursor:] {
		out.WriteString(l)
	}
	return out.Bytes(), nil
}

func splitKeepEnds(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	lines := strings.SplitAfter(string(b), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
