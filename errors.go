package xcall

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTimeout                = errors.New("xcall: pending call timed out")
	ErrCanceled               = errors.New("xcall: pending call canceled")
	ErrUndeliverable          = errors.New("xcall: request undeliverable")
	ErrRemote                 = errors.New("xcall: remote error")
	ErrTransportSend          = errors.New("xcall: transport send failed")
	ErrInvalidKind            = errors.New("xcall: invalid envelope kind")
	ErrInvalidEnvelope        = errors.New("xcall: invalid envelope")
	ErrInvalidCorrelationID   = errors.New("xcall: invalid correlation id")
	ErrDuplicateCorrelationID = errors.New("xcall: duplicate correlation id")
	ErrInvalidTimeout         = errors.New("xcall: timeout must be positive")
	ErrTransportNotRegistered = errors.New("xcall: transport not registered")
	ErrDuplicateTransport     = errors.New("xcall: transport already registered")
	ErrInvalidTransport       = errors.New("xcall: invalid transport registration")
	ErrDuplicateRoute         = errors.New("xcall: route already exists")
	ErrInvalidRoute           = errors.New("xcall: invalid route entry")
	ErrInvalidSubscription    = errors.New("xcall: invalid subscription")
	ErrRouterClosed           = errors.New("xcall: router is closed")
	ErrNotConnected           = errors.New("xcall: transport not connected")
	ErrNoTransportConfigured  = errors.New("xcall: no transport configured")

	ErrObserverPoolShutdownTimeout = errors.New("xcall: observer pool shutdown timeout")
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// TimeoutError names the correlation id (and operation, when known) of a
// pending call that expired unresolved.
type TimeoutError struct {
	CorrelationID string
	Operation     string
	Timeout       time.Duration
	Elapsed       time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("xcall: %s (correlation %s) timed out after %s (timeout %s)", e.Operation, e.CorrelationID, e.Elapsed, e.Timeout)
	}
	return fmt.Sprintf("xcall: correlation %s timed out after %s (timeout %s)", e.CorrelationID, e.Elapsed, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CancellationError is the rejection reason for calls canceled by the caller.
type CancellationError struct {
	CorrelationID string
	Cause         error
}

func (e *CancellationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("xcall: correlation %s canceled: %v", e.CorrelationID, e.Cause)
	}
	return fmt.Sprintf("xcall: correlation %s canceled", e.CorrelationID)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCanceled }
func (e *CancellationError) Unwrap() error        { return e.Cause }

// RemoteError is a failure signaled by the remote peer in its reply payload.
type RemoteError struct {
	CorrelationID string
	Message       string
	Code          string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("xcall: remote error [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("xcall: remote error: %s", e.Message)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// TransportSendError is the per-transport failure carried in SendResult.
type TransportSendError struct {
	TransportID string
	Err         error
}

func (e *TransportSendError) Error() string {
	return fmt.Sprintf("xcall: send via %q failed: %v", e.TransportID, e.Err)
}

func (e *TransportSendError) Is(target error) bool { return target == ErrTransportSend }
func (e *TransportSendError) Unwrap() error        { return e.Err }

// UndeliverableError rejects a request when no route matched or every
// attempted send failed.
type UndeliverableError struct {
	CorrelationID string
	Results       []SendResult
}

func (e *UndeliverableError) Error() string {
	if len(e.Results) == 0 {
		return fmt.Sprintf("xcall: correlation %s: no route matched", e.CorrelationID)
	}
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		parts = append(parts, fmt.Sprintf("%s: %v", r.TransportID, r.Err))
	}
	return fmt.Sprintf("xcall: correlation %s undeliverable (%s)", e.CorrelationID, strings.Join(parts, "; "))
}

func (e *UndeliverableError) Is(target error) bool { return target == ErrUndeliverable }
