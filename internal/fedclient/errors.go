package fedclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrRoundInProgress is returned by Schedule and ForceStart while a
	// previous round is still running. At most one round runs at a time.
	ErrRoundInProgress = errors.New("fedclient: round already in progress")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("fedclient: client closed")
)

// InsufficientDataError is returned synchronously by Schedule when the
// event log holds fewer events than the training minimum and every other
// condition is met. No network or compute work has happened.
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("fedclient: insufficient data: have %d events, need %d", e.Have, e.Need)
}

// ConditionsNotMetError is returned synchronously by Schedule when a
// device condition blocks the round. Unmet lists every failed condition,
// not only the first.
type ConditionsNotMetError struct {
	Unmet []string
}

func (e *ConditionsNotMetError) Error() string {
	return "fedclient: conditions not met: " + strings.Join(e.Unmet, ", ")
}

// NetworkError wraps a transport failure talking to the aggregation
// server.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fedclient: network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError reports a response the server produced but the client will
// not accept: a non-2xx status, a payload that fails schema validation,
// a round number that does not advance, or a checksum mismatch.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("fedclient: server: %s (status %d)", e.Message, e.Code)
	}
	return "fedclient: server: " + e.Message
}

// TimeoutError is reported when a round exceeds its deadline. It unwraps
// to context.DeadlineExceeded so errors.Is continues to work.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fedclient: round timed out after %s", e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
