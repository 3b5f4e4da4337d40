// Package errors provides the error vocabulary shared by the hopguard
// packages and the RPC surface.
//
// Components return wrapped sentinel errors; the RPC layer turns them into
// coded errors with FromSentinel so clients get a stable numeric category
// without seeing internal detail.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. The standard JSON-RPC 2.0 codes are reused as-is; application
// codes live in the -32000 to -32099 range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeAuthRequired  = -32001
	CodeNotFound      = -32003
	CodeRateLimited   = -32004
	CodeTimeout       = -32005
	CodeUnavailable   = -32007
	CodeValidation    = -32008
	CodeBackend       = -32009
	CodeState         = -32010
	CodeCaptivePortal = -32011
)

// Sentinel errors. Use errors.Is to check for these conditions.
var (
	// ErrNotFound indicates a server, city or country is not in the catalog.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates malformed input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates a missing or wrong RPC token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates a client exceeded its request rate.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrUnavailable indicates a service or server is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an operation that the current state rejects.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrBackend indicates the tunnel backend failed.
	ErrBackend = errors.New("backend failure")

	// ErrCaptivePortal indicates activation is blocked by a captive portal.
	ErrCaptivePortal = errors.New("captive portal detected")

	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Hop configuration errors
var (
	// ErrEmptyChain indicates no servers were supplied for a connection.
	ErrEmptyChain = fmt.Errorf("hop: empty server chain: %w", ErrInvalidInput)

	// ErrHopIndex indicates a hop index outside the chain.
	ErrHopIndex = fmt.Errorf("hop: index out of range: %w", ErrInvalidInput)

	// ErrNoEndpoint indicates a server without a usable endpoint address.
	ErrNoEndpoint = fmt.Errorf("hop: server has no endpoint: %w", ErrInvalidInput)
)

// Backend errors
var (
	// ErrBackendNotInitialized indicates the backend was used before Initialize.
	ErrBackendNotInitialized = fmt.Errorf("backend: not initialized: %w", ErrInvalidState)

	// ErrBackendClosed indicates the backend has been closed.
	ErrBackendClosed = fmt.Errorf("backend: %w", ErrClosed)
)

// RPC errors
var (
	// ErrRPCUnavailable indicates the RPC service is not available.
	ErrRPCUnavailable = fmt.Errorf("rpc: %w", ErrUnavailable)
)

// Error is a structured error with a code and a client-safe message.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Err is the underlying error, never serialized.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a structured error with the given code and message.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps err with a code and a safe message.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{Code: code, Message: message, Err: err}
}

// FromSentinel creates a structured error from err, picking the code from
// the sentinel it wraps. An *Error already in the chain is returned as-is.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded
	}
	return &Error{Code: codeFromError(err), Message: err.Error(), Err: err}
}

func codeFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeAuthRequired
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrCircuitOpen):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	case errors.Is(err, ErrConfiguration):
		return CodeValidation
	case errors.Is(err, ErrInvalidState):
		return CodeState
	case errors.Is(err, ErrBackend):
		return CodeBackend
	case errors.Is(err, ErrCaptivePortal):
		return CodeCaptivePortal
	default:
		return CodeInternal
	}
}

// IsNotFound reports whether err indicates a missing catalog entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidState reports whether err indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Join combines multiple errors into a single error.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
