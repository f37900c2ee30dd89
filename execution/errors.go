package execution

import (
	"errors"
	"fmt"
)

// Kind classifies platform-side failures
type Kind string

const (
	// BuildError means the sandbox image could not be built
	BuildError Kind = "BuildError"
	// InfrastructureError means a container failed to start, was killed before
	// reporting, or reported a malformed result
	InfrastructureError Kind = "InfrastructureError"
)

// Error is a platform failure. It is never a defect in the submitted code.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Build wraps err as a BuildError
func Build(op string, err error) error {
	return &Error{Kind: BuildError, Op: op, Err: err}
}

// Infrastructure wraps err as an InfrastructureError
func Infrastructure(op string, err error) error {
	return &Error{Kind: InfrastructureError, Op: op, Err: err}
}

// KindOf returns the kind of err, or "" when err is not an *Error
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a platform failure that a caller may
// retry on a fresh container
func IsRetryable(err error) bool {
	return KindOf(err) == InfrastructureError
}
