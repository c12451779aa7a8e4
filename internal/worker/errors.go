package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/SirClappington/itemq/internal/domain"
)

// ErrUnknownJobType is reported for jobs whose type has no registered
// handler. It is never retried.
var ErrUnknownJobType = errors.New("unknown job type")

// StatusError carries an HTTP-style status from a collaborator call.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("status %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf returns the status attached anywhere in err's chain, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DefaultShouldRetry retries every error.
func DefaultShouldRetry(domain.Job, error) bool { return true }

// DefaultIsRateLimitError treats status 429 as rate limiting.
func DefaultIsRateLimitError(err error) bool {
	return StatusOf(err) == http.StatusTooManyRequests
}

// HTTPShouldRetry classifies collaborator errors: permanent markers and 4xx
// other than 429 are final; 5xx, 429, timeouts and unclassified errors retry.
func HTTPShouldRetry(_ domain.Job, err error) bool {
	if IsPermanent(err) || errors.Is(err, ErrUnknownJobType) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	switch status := StatusOf(err); {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	}
	return true
}
