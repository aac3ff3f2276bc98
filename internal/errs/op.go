package errs

import (
	"errors"
	"fmt"
)

// OpError ties a failure to the facade operation and the source it concerned.
type OpError struct {
	Op       string
	SourceID string
	Err      error
}

func (e *OpError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s source %s: %v", e.Op, e.SourceID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise an *OpError.
func Wrap(op, sourceID string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, SourceID: sourceID, Err: err}
}

// Kind maps an error to a stable machine-checkable name.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceNotFound):
		return "source_not_found"
	case errors.Is(err, ErrDuplicateSource):
		return "duplicate_source"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrMergeConflict):
		return "merge_conflict"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "internal"
	}
}
