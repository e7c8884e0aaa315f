package source

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var ErrNotFound = errors.New("activity not found at source")

// APIError is an unsuccessful response from the activity API.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
	Err        error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("activity api error: %d - %s at %s", e.StatusCode, e.Message, e.URL)
	if e.Err != nil {
		msg += fmt.Sprintf(" (%v)", e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RateLimitError is returned when the local limiter or the API throttles us.
type RateLimitError struct {
	RetryAfter int
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("activity api rate limit exceeded: retry after %d seconds", e.RetryAfter)
	}
	if e.Err != nil {
		return fmt.Sprintf("activity api rate limit exceeded: %v", e.Err)
	}
	return "activity api rate limit exceeded"
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// AuthError is a 401/403 from the activity API.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("activity api auth error (%d): %s", e.StatusCode, e.Message)
	if e.Err != nil {
		msg += fmt.Sprintf(" - %v", e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func mapHTTPError(resp *http.Response, body []byte) error {
	base := &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
		URL:        resp.Request.URL.String(),
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		base.Err = ErrNotFound
		return base
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Message: "authentication failed or forbidden", Err: base}
	case http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &RateLimitError{RetryAfter: retryAfter, Err: base}
	default:
		return base
	}
}

// IsRetryable reports whether a later attempt may succeed: throttling, 5xx
// and transport failures. 4xx answers are final for the request.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var auth *AuthError
	if errors.As(err, &auth) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}
