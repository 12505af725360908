package cafs

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Extension tables for text detection. Unknown extensions fall back to
// a NUL sniff over the first 8 KiB.
var (
	textExtensions = map[string]bool{
		".txt": true, ".md": true, ".rs": true, ".js": true, ".ts": true,
		".json": true, ".yaml": true, ".yml": true, ".toml": true,
		".xml": true, ".html": true, ".css": true, ".py": true, ".go": true,
		".java": true, ".cpp": true, ".c": true, ".h": true, ".hpp": true,
		".sh": true, ".bash": true, ".zsh": true, ".fish": true, ".sql": true,
	}

	binaryExtensions = map[string]bool{
		".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
		".img": true, ".iso": true, ".zip": true, ".tar": true, ".gz": true,
		".bz2": true, ".xz": true, ".7z": true, ".rar": true, ".pdf": true,
		".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
		".tiff": true, ".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
		".wav": true, ".flac": true,
	}
)

const sniffLen = 8 * 1024

// isTextContent decides whether content at path can be treated as line
// oriented text for the diff representation.
func isTextContent(path string, content []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if binaryExtensions[ext] {
		return false
	}
	if textExtensions[ext] {
		return !hasNul(content)
	}
	return !hasNul(content)
}

func hasNul(content []byte) bool {
	n := len(content)
	if n > sniffLen {
		n = sniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// Eol names a line ending convention.
type Eol string

const (
	// EolLF is Unix line endings
	EolLF Eol = "lf"

	// EolCRLF is Windows line endings
	EolCRLF Eol = "crlf"

	// EolMixed indicates no single dominant convention
	EolMixed Eol = "mixed"

	// EolNone indicates content without line endings
	EolNone Eol = "none"
)

// DetectEol reports the dominant line ending of content. Content is
// always stored verbatim; this only informs diff friendliness.
func DetectEol(content []byte) Eol {
	var lf, crlf int
	for i, b := range content {
		if b != '\n' {
			continue
		}
		if i > 0 && content[i-1] == '\r' {
			crlf++
		} else {
			lf++
		}
	}
	switch {
	case lf == 0 && crlf == 0:
		return EolNone
	case crlf == 0:
		return EolLF
	case lf == 0:
		return EolCRLF
	default:
		return EolMixed
	}
}
