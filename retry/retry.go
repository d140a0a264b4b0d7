// Package retry wraps fallible platform operations with bounded
// exponential-backoff retry.
//
// Failures are classified permanent or transient before each re-attempt:
// permanent failures (session not connected, client not initialized, invalid
// input) abort immediately because repeating the call cannot succeed, while
// everything else is assumed to be a platform hiccup and retried with
// doubling delays.
package retry

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Classifier reports whether an error is permanent, i.e. retrying the same
// operation cannot succeed.
type Classifier func(error) bool

// permanentMarkers are substrings of error messages that indicate a
// non-retryable failure. The browser-driven platform client reports these
// conditions as plain text, so classification is by message.
var permanentMarkers = []string{
	"not connected",
	"not initialized",
	"invalid",
}

// DefaultClassifier treats errors whose message carries a permanent marker
// as permanent, plus anything that opts in via a `Permanent() bool` method.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	type permanent interface{ Permanent() bool }
	if p, ok := err.(permanent); ok && p.Permanent() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Executor retries an operation up to MaxAttempts times with exponential
// backoff. The zero value is not usable; call New.
type Executor struct {
	maxAttempts int
	baseDelay   time.Duration
	classify    Classifier
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxAttempts sets the total attempt budget. Default: 3.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) { e.maxAttempts = n }
}

// WithBaseDelay sets the delay after the first failed attempt; it doubles
// after each subsequent failure. Default: 2s.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) { e.baseDelay = d }
}

// WithClassifier replaces the permanent-error classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Executor) { e.classify = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// New creates an Executor with the reference budget: 3 attempts, 2s base
// delay, DefaultClassifier.
func New(opts ...Option) *Executor {
	e := &Executor{
		maxAttempts: 3,
		baseDelay:   2 * time.Second,
		classify:    DefaultClassifier,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Do runs op until it succeeds, the attempt budget is exhausted, a permanent
// failure occurs, or ctx is cancelled. It returns the last error observed.
// Backoff sleeps respect context cancellation.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	delay := e.baseDelay

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if e.classify(err) {
			e.logger.Warn("retry: permanent failure, aborting",
				"attempt", attempt, "error", err)
			return lastErr
		}
		if attempt == e.maxAttempts {
			break
		}

		e.logger.Warn("retry: transient failure, backing off",
			"attempt", attempt,
			"max_attempts", e.maxAttempts,
			"backoff_ms", delay.Milliseconds(),
			"error", err)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
		delay *= 2
	}
	return lastErr
}
