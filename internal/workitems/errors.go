package workitems

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the store has no such project or target.
var ErrNotFound = errors.New("work item not found")

// UpstreamUnavailableError reports that the work-item store could not be
// reached in time. Callers may degrade to cached data.
type UpstreamUnavailableError struct {
	Op  string
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("work-item store unavailable during %s: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// IsUpstreamUnavailable reports whether err is, or wraps, an UpstreamUnavailableError.
func IsUpstreamUnavailable(err error) bool {
	var ue *UpstreamUnavailableError
	return errors.As(err, &ue)
}

// Unavailable wraps transport failures and deadline expiry as
// UpstreamUnavailableError and passes everything else through.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsUpstreamUnavailable(err) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamUnavailableError{Op: op, Err: fmt.Errorf("timed out: %w", err)}
	}
	return &UpstreamUnavailableError{Op: op, Err: err}
}
