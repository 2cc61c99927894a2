package radio

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("invalid playlist")
	ErrNotFound   = errors.New("not found")
	ErrSource     = errors.New("source unavailable")
	ErrClosed     = errors.New("closed")
)

// ValidationError describes a malformed playlist document.
// Index is -1 when the problem is not tied to a schedule entry.
type ValidationError struct {
	Field  string
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid playlist: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid playlist: schedule[%d].%s: %s", e.Index, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// SourceError is returned when a song could not be opened or its bitrate
// could not be probed.
type SourceError struct {
	Ref string
	Op  string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
}

// Is reports ErrSource so callers can match without unwrapping the cause.
func (e *SourceError) Is(target error) bool {
	return target == ErrSource
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// RollbackError wraps a failed State.Transform body. The container value
// is unchanged when this is returned.
type RollbackError struct {
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transform rolled back: %v", e.Err)
}

func (e *RollbackError) Unwrap() error {
	return e.Err
}

func notFound(kind, key string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, key)
}
