package gateway

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed        = errors.New("gateway client closed")
	ErrInvalidAction = errors.New("invalid outbound action")
)

// ConnectionError is returned when a session cannot be established, either because the
// endpoint is unreachable or the credentials were rejected.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gateway: connect: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransportError is a network-level or server-side failure of an outbound action.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: %s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitError means the caller must back off for at least RetryAfter before retrying.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway: %s: rate limited, retry after %s", e.Op, e.RetryAfter)
}

// SessionLostError is fatal: the session dropped and every reconnect attempt failed.
type SessionLostError struct {
	Attempts int
	Err      error
}

func (e *SessionLostError) Error() string {
	return fmt.Sprintf("gateway: session lost after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *SessionLostError) Unwrap() error {
	return e.Err
}
