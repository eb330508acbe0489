package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline failures.
var (
	// ErrMalformedRequest indicates the inbound request could not be turned
	// into a RequestContext.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrForwarding indicates the exchange with the origin failed.
	ErrForwarding = errors.New("forwarding failed")

	// ErrHostNotAllowed indicates the target host is not in upstream.allowed_hosts.
	ErrHostNotAllowed = errors.New("origin host not allowed")
)

// MalformedRequestError describes which part of the inbound request was
// unusable.
type MalformedRequestError struct {
	Field string // environ key or "body"
	Value string
	Cause error
}

// Error implements the error interface.
func (e *MalformedRequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed request: %s %q: %v", e.Field, e.Value, e.Cause)
	}
	return fmt.Sprintf("malformed request: %s %q", e.Field, e.Value)
}

// Unwrap returns the underlying error.
func (e *MalformedRequestError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrMalformedRequest.
func (e *MalformedRequestError) Is(target error) bool {
	return target == ErrMalformedRequest
}

// ForwardingError is returned when the origin could not be reached or its
// response could not be read.
type ForwardingError struct {
	Op    string // "allow", "round trip" or "read body"
	Host  string
	Cause error
}

// Error implements the error interface.
func (e *ForwardingError) Error() string {
	return fmt.Sprintf("forward [%s] host=%s: %v", e.Op, e.Host, e.Cause)
}

// Unwrap returns the underlying error.
func (e *ForwardingError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrForwarding.
func (e *ForwardingError) Is(target error) bool {
	return target == ErrForwarding
}
