package queue

import (
	"errors"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error that redelivery cannot fix. The consumer
// dead-letters such messages immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryAfter reports the time a handler error names as the earliest useful
// redelivery, such as the end of an open circuit breaker.
func RetryAfter(err error) (time.Time, bool) {
	var r interface{ RetryAfter() time.Time }
	if errors.As(err, &r) {
		return r.RetryAfter(), true
	}
	return time.Time{}, false
}
