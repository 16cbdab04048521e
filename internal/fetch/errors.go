package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut means a read made no progress within the idle timeout.
	ErrTimedOut = errors.New("transfer stalled")
	// ErrTooManyRedirects means the redirect hop limit was exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrBudgetExhausted means retries or resumptions ran out.
	ErrBudgetExhausted = errors.New("error budget exhausted")

	// errSinkWrite marks local write failures, which no retry can fix.
	errSinkWrite = errors.New("writing to sink")
)

// StatusError is a non-2xx HTTP reply. Permanent errors (429, verification
// redirects, rate-limit notices) are surfaced without further retries.
type StatusError struct {
	Code      int
	Status    string
	Permanent bool
	Detail    string
}

func (e *StatusError) Error() string {
	msg := e.Status
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", e.Code)
	}
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Permanent {
		msg += " [not retryable]"
	}
	return msg
}
