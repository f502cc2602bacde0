package pipeline

import "errors"

// Task failures fall into two classes. Transient failures (network timeouts,
// temporary I/O errors, unavailable backends) are re-enqueued with backoff.
// Permanent failures (undecodable images, malformed payloads) would recur
// identically on retry, so they are terminal after the first attempt.
//
// Plain errors are treated as transient; processors mark permanent failures
// explicitly with Permanent.

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err to mark it as a permanent, non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain was marked permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
