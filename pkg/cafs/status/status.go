// Package status exports errors produced by the cafs package.
package status

import (
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	// ErrNotFound indicates the requested digest is not stored
	ErrNotFound = errors.New("not found")

	// ErrCorruption indicates a required base blob or chunk is
	// unexpectedly missing or does not reconstruct to its digest.
	// This violates the immutability invariant and is fatal: it flags
	// an integrity scan rather than a retry.
	ErrCorruption = errors.New("blob store corruption")

	// ErrBadEnvelope indicates a stored object has an unreadable header
	ErrBadEnvelope = errors.New("unreadable object envelope")
)
