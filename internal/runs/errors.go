package runs

import "github.com/cockroachdb/errors"

// Error classes used across the sync pipeline. Concrete errors are marked
// with one of these so callers can branch with errors.Is.
var (
	// ErrTransient marks network failures that are retried with backoff.
	ErrTransient = errors.New("transient network error")

	// ErrRateLimited marks a response rejected by the remote rate limit.
	ErrRateLimited = errors.New("rate limited")

	// ErrMalformedRecord marks a single record that could not be decoded.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrStorage marks a Run Store failure.
	ErrStorage = errors.New("storage error")

	// ErrAttemptsExhausted is returned once retries give up.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// MarkStorage wraps err as a storage failure.
func MarkStorage(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), ErrStorage)
}

// IsStorage reports whether err is a storage failure.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
