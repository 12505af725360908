// Package status declares the errors returned by the ref manager.
package status

import (
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	// ErrNotFound indicates the named ref does not exist
	ErrNotFound = errors.New("refs: ref not found")

	// ErrExists indicates a create collided with an existing ref
	ErrExists = errors.New("refs: ref already exists")

	// ErrImmutable indicates an advance on a ref class that never moves
	ErrImmutable = errors.New("refs: ref class is immutable")

	// ErrUnknownCommit indicates the target commit is not stored
	ErrUnknownCommit = errors.New("refs: target commit not found")

	// ErrDiverged indicates an advance to a commit whose ancestry does
	// not contain the ref's current commit
	ErrDiverged = errors.New("refs: ref may only advance to a descendant of its current commit")
)
