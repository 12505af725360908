// Package status declares the errors returned by the journal.
package status

import (
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	// ErrCorrupt indicates an unparseable or out-of-order journal record
	ErrCorrupt = errors.New("journal: corrupt record")

	// ErrClosed is returned on appends to a closed journal
	ErrClosed = errors.New("journal: closed")
)
