// Package status exports errors produced by the policy package.
package status

import (
	"github.com/provtrail/provtrail/pkg/errors"
)

var (
	// ErrBudgetExceeded indicates a write was rejected because it would
	// cross the hard storage limit. No durable state was touched.
	ErrBudgetExceeded = errors.New("storage budget exceeded")

	// ErrRedactionViolation indicates the payload matched a configured
	// secret or PII pattern and was rejected before any durable write.
	ErrRedactionViolation = errors.New("payload matches redaction pattern")

	// ErrPolicyViolation indicates an operation forbidden by governance,
	// such as repointing or deleting a protected ref.
	ErrPolicyViolation = errors.New("operation violates policy")

	// ErrInvalidConfig indicates the supplied policy configuration is unusable
	ErrInvalidConfig = errors.New("invalid policy configuration")
)
