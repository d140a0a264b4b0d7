package dispatch

import (
	"fmt"

	"github.com/fernandinhomartins40/ferraco-sub000/connector"
	"github.com/fernandinhomartins40/ferraco-sub000/identity"
)

// ErrNotConnected is returned when a send is attempted outside the
// CONNECTED state. Permanent: the caller must re-establish the session.
type ErrNotConnected struct {
	State connector.State
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("dispatch: session not connected (state %s)", e.State)
}

// Permanent marks the error non-retryable for the retry executor.
func (e *ErrNotConnected) Permanent() bool { return true }

// ErrInvalidPayload is returned for malformed outbound content.
// Permanent: a caller error that retrying cannot fix.
type ErrInvalidPayload struct {
	Kind   Kind
	Reason string
}

func (e *ErrInvalidPayload) Error() string {
	return fmt.Sprintf("dispatch: invalid %s payload: %s", e.Kind, e.Reason)
}

// Permanent marks the error non-retryable for the retry executor.
func (e *ErrInvalidPayload) Permanent() bool { return true }

// ErrSendFailed wraps the last error after the retry budget is exhausted
// (or a permanent platform failure aborted it early).
type ErrSendFailed struct {
	LocalID     string
	Destination identity.Identity
	Attempts    int
	Cause       error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("dispatch: send %s to %s failed after %d attempt(s): %v",
		e.LocalID, identity.Mask(e.Destination), e.Attempts, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
