package utils

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the reader, scorer, reconciler, and scheduler.
// Record-level kinds (malformed, unknown entity) never abort a batch;
// the remaining kinds abort the batch without advancing the checkpoint.
var (
	ErrMalformedRecord  = errors.New("malformed record")
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrTransientStore   = errors.New("transient store failure")
	ErrModelUnavailable = errors.New("model unavailable")
)

// AppError wraps an operation, human-facing message, and underlying error.
type AppError struct {
	Op  string
	Msg string
	Err error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(op, msg string, err error) error {
	return &AppError{Op: op, Msg: msg, Err: err}
}

// IsRecordLevel reports whether err only affects a single record.
func IsRecordLevel(err error) bool {
	return errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrUnknownEntity)
}
