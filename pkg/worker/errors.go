package worker

import "errors"

// terminalError marks an executor failure that must not be retried, such as
// a malformed payload.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// NonRetryable wraps err so the worker reports the failure as terminal.
// The message goes straight to the failed set instead of the delay set.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked with
// NonRetryable.
func IsNonRetryable(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
