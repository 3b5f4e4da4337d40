// Package rpc provides JSON-RPC over a Unix socket and TCP for hopguard.
// It exposes the connection controller, its backend logs and the server
// catalog to the CLI and other local clients.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
)

// Protocol version for compatibility checking.
const ProtocolVersion = "1.0"

// Error codes. They are shared with lib/errors so a coded error keeps its
// number on the wire.
const (
	ErrCodeParse            = apperrors.CodeParseError
	ErrCodeInvalidRequest   = apperrors.CodeInvalidRequest
	ErrCodeMethodNotFound   = apperrors.CodeMethodNotFound
	ErrCodeInvalidParams    = apperrors.CodeInvalidParams
	ErrCodeInternal         = apperrors.CodeInternal
	ErrCodeAuthRequired     = apperrors.CodeAuthRequired
	ErrCodePermissionDenied = -32002
	ErrCodeNotFound         = apperrors.CodeNotFound
	ErrCodeRateLimited      = apperrors.CodeRateLimited
)

// Request represents a JSON-RPC request.
type Request struct {
	// JSONRPC must be "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Method is the RPC method name
	Method string `json:"method"`
	// Params are the method parameters (can be object or array)
	Params json.RawMessage `json:"params,omitempty"`
	// ID is the request identifier (can be string or number)
	ID json.RawMessage `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	// JSONRPC is always "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Result is the method result (omitted on error)
	Result any `json:"result,omitempty"`
	// Error is the error object (omitted on success)
	Error *Error `json:"error,omitempty"`
	// ID matches the request ID
	ID json.RawMessage `json:"id,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	// Code is the error code
	Code int `json:"code"`
	// Message is a short description
	Message string `json:"message"`
	// Data contains additional information
	Data any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches a wire error against the sentinel its code stands for, so
// clients can use errors.Is(err, apperrors.ErrNotFound).
func (e *Error) Is(target error) bool {
	switch e.Code {
	case apperrors.CodeNotFound:
		return target == apperrors.ErrNotFound
	case apperrors.CodeAuthRequired, ErrCodePermissionDenied:
		return target == apperrors.ErrUnauthorized
	case apperrors.CodeRateLimited:
		return target == apperrors.ErrRateLimited
	case apperrors.CodeTimeout:
		return target == apperrors.ErrTimeout
	case apperrors.CodeUnavailable:
		return target == apperrors.ErrUnavailable
	case apperrors.CodeInvalidParams:
		return target == apperrors.ErrInvalidInput
	case apperrors.CodeState:
		return target == apperrors.ErrInvalidState
	case apperrors.CodeBackend:
		return target == apperrors.ErrBackend
	case apperrors.CodeCaptivePortal:
		return target == apperrors.ErrCaptivePortal
	}
	return false
}

// NewError creates a new Error with the given code and message.
func NewError(code int, message string, data any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// FromError converts an application error into a wire error. The code comes
// from the sentinel err wraps; the detail goes into Data.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	coded := apperrors.FromSentinel(err)
	msg := coded.Message
	var detail any
	if coded.Err != nil {
		msg = messageFor(coded.Code)
		detail = coded.Err.Error()
	}
	return NewError(coded.Code, msg, detail)
}

func messageFor(code int) string {
	switch code {
	case apperrors.CodeNotFound:
		return "not found"
	case apperrors.CodeAuthRequired:
		return "authentication required"
	case apperrors.CodeRateLimited:
		return "rate limit exceeded"
	case apperrors.CodeTimeout:
		return "timeout"
	case apperrors.CodeUnavailable:
		return "unavailable"
	case apperrors.CodeInvalidParams:
		return "invalid params"
	case apperrors.CodeValidation:
		return "invalid configuration"
	case apperrors.CodeState:
		return "invalid state"
	case apperrors.CodeBackend:
		return "backend failure"
	case apperrors.CodeCaptivePortal:
		return "captive portal"
	default:
		return "internal error"
	}
}

// NewErrorResponse creates a Response with an error.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   err,
		ID:      id,
	}
}

// NewSuccessResponse creates a Response with a result.
func NewSuccessResponse(id json.RawMessage, result any) *Response {
	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// ValidateRequest checks that a Request is valid JSON-RPC 2.0.
func ValidateRequest(req *Request) error {
	if req.JSONRPC != "2.0" {
		return errors.New("jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// Common error constructors.

// ErrMethodNotFound returns a method not found error.
func ErrMethodNotFound(method string) *Error {
	return NewError(ErrCodeMethodNotFound, "method not found", method)
}

// ErrInvalidParams returns an invalid parameters error.
func ErrInvalidParams(details string) *Error {
	return NewError(ErrCodeInvalidParams, "invalid params", details)
}

// ErrInternal returns an internal error.
func ErrInternal(details string) *Error {
	return NewError(ErrCodeInternal, "internal error", details)
}

// ErrAuthRequired returns an authentication required error.
func ErrAuthRequired() *Error {
	return NewError(ErrCodeAuthRequired, "authentication required", nil)
}

// ErrRateLimited returns a rate limit exceeded error.
func ErrRateLimited() *Error {
	return NewError(ErrCodeRateLimited, "rate limit exceeded", nil)
}

// ErrPermissionDenied returns a permission denied error.
func ErrPermissionDenied(details string) *Error {
	return NewError(ErrCodePermissionDenied, "permission denied", details)
}

// ---- Request/Response types for each RPC method ----

// StatusResult is the response for "status".
type StatusResult struct {
	// State is the controller state (off, connecting, on...)
	State string `json:"state"`
	// Selection is the chosen location
	Selection SelectionParams `json:"selection"`
	// Connected is the location of the live tunnel, if any
	Connected *SelectionParams `json:"connected,omitempty"`
	// ConnectedAt is when the tunnel came up
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	// Uptime is how long the tunnel has been up
	Uptime string `json:"uptime,omitempty"`
	// Retry is the number of failed attempts in the current activation
	Retry int `json:"retry"`
	// Pending is the deferred action waiting for the tunnel to settle
	Pending string `json:"pending,omitempty"`
	// CaptivePortal reports whether activation is blocked
	CaptivePortal bool `json:"captive_portal"`
	// CanCancel reports that confirming has dragged on long enough to offer
	// disconnecting
	CanCancel bool `json:"can_cancel,omitempty"`
	// AttemptID correlates log lines of the current attempt
	AttemptID string `json:"attempt_id,omitempty"`
	// Hops describes the live chain, entry first
	Hops []HopInfo `json:"hops,omitempty"`
	// DeviceID identifies this device
	DeviceID string `json:"device_id,omitempty"`
	// Version is the software version
	Version string `json:"version"`
}

// HopInfo describes one leg of the live tunnel.
type HopInfo struct {
	Index      int    `json:"index"`
	Server     string `json:"server"`
	Location   string `json:"location"`
	Endpoint   string `json:"endpoint"`
	Exit       bool   `json:"exit"`
	AllowedIPs int    `json:"allowed_ips"`
}

// SelectionParams is a location, used by "connection.change_server" and in
// status results.
type SelectionParams struct {
	ExitCountry  string `json:"exit_country"`
	ExitCity     string `json:"exit_city"`
	EntryCountry string `json:"entry_country,omitempty"`
	EntryCity    string `json:"entry_city,omitempty"`
}

// ActionResult is the response for methods that request a transition.
type ActionResult struct {
	// Accepted reports whether the controller acted on the request
	Accepted bool `json:"accepted"`
	// State is the controller state after the request was handled
	State string `json:"state"`
}

// StatsResult is the response for "connection.stats".
type StatsResult struct {
	Gateway       string `json:"gateway,omitempty"`
	DeviceAddress string `json:"device_address,omitempty"`
	TxBytes       uint64 `json:"tx_bytes"`
	RxBytes       uint64 `json:"rx_bytes"`
}

// LogsResult is the response for "logs.get".
type LogsResult struct {
	Logs string `json:"logs"`
}

// AuthParams is the request for "auth".
type AuthParams struct {
	Token string `json:"token"`
}

// CooldownParams is the request for "servers.cooldown".
type CooldownParams struct {
	Country string `json:"country"`
	City    string `json:"city"`
}

// ServersListResult is the response for "servers.list".
type ServersListResult struct {
	Countries []CountryInfo `json:"countries"`
	Total     int           `json:"total"`
}

// CountryInfo is a catalog country.
type CountryInfo struct {
	Code   string     `json:"code"`
	Name   string     `json:"name"`
	Cities []CityInfo `json:"cities"`
}

// CityInfo is a catalog city with its connection score.
type CityInfo struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Servers int    `json:"servers"`
	Score   string `json:"score"`
}
