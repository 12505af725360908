// Package status exports errors produced by the storage package.
package status

import (
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	// ErrNotFound indicates an object was not found
	ErrNotFound = errors.New("not found")

	// ErrExists indicates an exclusive write found the key already present
	ErrExists = errors.New("exists already")

	// ErrNotSupported indicates an operation the backend cannot carry out
	ErrNotSupported = errors.New("not supported")
)
