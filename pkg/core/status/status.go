// Package status declares the errors returned by core store operations.
package status

import (
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	// ErrSessionNotFound indicates an operation on an unknown session id
	ErrSessionNotFound = errors.New("core: session not found")

	// ErrNothingToCommit indicates a checkpoint with no staged changes
	// on a session that has no history yet
	ErrNothingToCommit = errors.New("core: nothing to commit")

	// ErrUnknownTarget indicates a name that is neither a commit id nor
	// a known ref
	ErrUnknownTarget = errors.New("core: unknown commit or ref")

	// ErrClosed is returned on operations against a closed store
	ErrClosed = errors.New("core: store is closed")
)
