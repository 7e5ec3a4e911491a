package worker

import (
	"errors"
	"time"

	"github.com/nevindra/relay/internal/discord"
)

// TerminalError marks a failure no retry can fix; the event is
// dead-lettered immediately.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return "terminal: " + e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a terminal failure.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err should dead-letter: an explicit
// terminal marker or a platform error from the terminal code set.
func IsTerminal(err error) bool {
	var t *TerminalError
	if errors.As(err, &t) {
		return true
	}
	return discord.IsTerminalAPIError(err)
}

// RetryAfterError carries an advisory retry delay from a handler,
// overriding the default exponential backoff.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with an advisory delay.
func RetryAfter(err error, delay time.Duration) error {
	return &RetryAfterError{Err: err, Delay: delay}
}

// advisoryDelay extracts a handler-provided delay, or 0.
func advisoryDelay(err error) time.Duration {
	var r *RetryAfterError
	if errors.As(err, &r) {
		return r.Delay
	}
	return 0
}
