package container

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the contract, the dispatcher and every format provider
var (
	// ErrBackendUnavailable marks a provider whose backend could not be loaded.
	// The dispatcher demotes it to a warning and moves on to the next candidate.
	ErrBackendUnavailable = errors.New("container backend unavailable")

	// ErrNoMatch is matched by NoMatchError
	ErrNoMatch = errors.New("no compatible container found")

	// ErrInvalidInput is returned when an item cannot be normalized into an Input
	ErrInvalidInput = errors.New("invalid container input")

	// ErrClosed is wrapped by IOError for any operation on a closed container
	ErrClosed = errors.New("container is closed")

	// ErrNegativePosition is wrapped by IOError when a seek would land before offset 0
	ErrNegativePosition = errors.New("negative seek position")

	// ErrInvalidWhence is wrapped by IOError for an unknown seek origin
	ErrInvalidWhence = errors.New("invalid whence")
)

// unavailableError carries the kind name alongside the load failure
type unavailableError struct {
	Kind  string
	Cause error
}

func (e *unavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", ErrBackendUnavailable, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", ErrBackendUnavailable, e.Kind)
}

func (e *unavailableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrBackendUnavailable}
	}
	return []error{ErrBackendUnavailable, e.Cause}
}

// Unavailable returns an error that matches ErrBackendUnavailable and keeps cause reachable
func Unavailable(kind string, cause error) error {
	return &unavailableError{Kind: kind, Cause: cause}
}

// IsUnavailable reports whether err marks an unavailable backend
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// OpenError is returned when a candidate claimed the input and then failed, or when its
// detection failed for a reason other than an unavailable backend. It is never retried
// against later candidates.
type OpenError struct {
	Kind  string
	Input string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("failed to open container %s as %s: %v", e.Input, e.Kind, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// NoMatchError is returned when every candidate declined the input
type NoMatchError struct {
	Input string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("failed to detect container for %s", e.Input)
}

// Is lets errors.Is(err, ErrNoMatch) succeed
func (e *NoMatchError) Is(target error) bool {
	return target == ErrNoMatch
}

// IOError reports a failed operation on an opened container
type IOError struct {
	Op   string
	Kind string
	Err  error
}

func (e *IOError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s container %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("container %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
