package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// State is the persisted record for one downstream service.
type State struct {
	ServiceName         string    `json:"service_name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	IsOpen              bool      `json:"is_open"`
	OpenedAt            time.Time `json:"opened_at"`
}

// Phase derives the breaker phase at now. An open breaker becomes half-open
// once resetTimeout has elapsed since it opened.
func (s State) Phase(now time.Time, resetTimeout time.Duration) Phase {
	if !s.IsOpen {
		return PhaseClosed
	}
	if now.Sub(s.OpenedAt) >= resetTimeout {
		return PhaseHalfOpen
	}
	return PhaseOpen
}

func (p Phase) gauge() float64 {
	switch p {
	case PhaseHalfOpen:
		return 1
	case PhaseOpen:
		return 2
	default:
		return 0
	}
}

var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is short-circuited.
type OpenError struct {
	Service string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s until %s", e.Service, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

func (e *OpenError) MetricReason() string { return "circuit_open" }

// RetryAfter is when the breaker admits its next trial.
func (e *OpenError) RetryAfter() time.Time { return e.RetryAt }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error the downstream will keep returning for this input,
// such as a 404 or a revoked grant. It is neither retried nor counted.
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

// StateStore persists breaker state so it survives restarts and can be
// shared by replicas.
type StateStore interface {
	Load(ctx context.Context, service string) (State, bool, error)
	Save(ctx context.Context, state State) error
}
