package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// ByteRange selects a window of a container's logical stream
type ByteRange struct {
	Offset int64
	// Length of 0 or less means "to the end"
	Length int64
}

// Validate ensures the range is usable
func (r *ByteRange) Validate() error {
	if r.Offset < 0 {
		return fmt.Errorf("offset must not be negative, got %d", r.Offset)
	}
	return nil
}

// Resolve clips the range to a stream of size bytes and returns the byte count to read
func (r *ByteRange) Resolve(size int64) int64 {
	if r.Offset >= size {
		return 0
	}
	remaining := size - r.Offset
	if r.Length <= 0 || r.Length > remaining {
		return remaining
	}
	return r.Length
}

// String returns a string representation of the range
func (r *ByteRange) String() string {
	if r.Length <= 0 {
		return fmt.Sprintf("[%d:]", r.Offset)
	}
	return fmt.Sprintf("[%d:%d]", r.Offset, r.Offset+r.Length)
}

// ProgressUpdate represents progress information
type ProgressUpdate struct {
	Message     string
	Completed   int64
	Total       int64
	ElapsedTime time.Duration
}

// Percent calculates completion percentage
func (p *ProgressUpdate) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return int((p.Completed * 100) / p.Total)
}

// Rate calculates bytes per second
func (p *ProgressUpdate) Rate() float64 {
	if p.ElapsedTime == 0 {
		return 0
	}
	return float64(p.Completed) / p.ElapsedTime.Seconds()
}

// CommonError represents application-level errors
type CommonError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CommonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *CommonError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeContainerAccess    = "CONTAINER_ACCESS"
	ErrCodeNoMatch            = "NO_MATCHING_CONTAINER"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeIO                 = "IO_ERROR"
	ErrCodeConfig             = "CONFIG"
)

// NewError creates a new CommonError
func NewError(code, message string, cause error) *CommonError {
	return &CommonError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ClassifyOpenError maps a dispatcher error onto an application error code
func ClassifyOpenError(input string, err error) *CommonError {
	var (
		openErr *container.OpenError
		ioErr   *container.IOError
	)
	switch {
	case errors.Is(err, container.ErrInvalidInput):
		return NewError(ErrCodeInvalidInput, "invalid input "+input, err)
	case errors.Is(err, container.ErrNoMatch):
		return NewError(ErrCodeNoMatch, "no container kind accepted "+input, err)
	case errors.As(err, &openErr):
		return NewError(ErrCodeContainerAccess, fmt.Sprintf("cannot open %s as %s", input, openErr.Kind), openErr.Err)
	case container.IsUnavailable(err):
		return NewError(ErrCodeBackendUnavailable, "container backend unavailable", err)
	case errors.As(err, &ioErr):
		return NewError(ErrCodeIO, "read failed", err)
	}
	return NewError(ErrCodeContainerAccess, "cannot open "+input, err)
}

// FormatBytes formats a byte count as human readable
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
