package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
)

func TestProtocolVersion(t *testing.T) {
	if ProtocolVersion != "1.0" {
		t.Errorf("expected protocol version 1.0, got %s", ProtocolVersion)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		code int
		text string
	}{
		{"method not found", ErrMethodNotFound("vpn.teleport"), ErrCodeMethodNotFound, "method not found (code -32601): vpn.teleport"},
		{"invalid params", ErrInvalidParams("exit_city: is required"), ErrCodeInvalidParams, "invalid params (code -32602): exit_city: is required"},
		{"internal", ErrInternal("backend panicked"), ErrCodeInternal, "internal error (code -32603): backend panicked"},
		{"auth required", ErrAuthRequired(), ErrCodeAuthRequired, "authentication required (code -32001)"},
		{"permission denied", ErrPermissionDenied("invalid token"), ErrCodePermissionDenied, "permission denied (code -32002): invalid token"},
		{"bare", NewError(ErrCodeNotFound, "not found", nil), ErrCodeNotFound, "not found (code -32003)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, tt.err.Code)
			}
			if got := tt.err.Error(); got != tt.text {
				t.Errorf("expected %q, got %q", tt.text, got)
			}
		})
	}
}

func TestErrorIs(t *testing.T) {
	tests := []struct {
		code     int
		sentinel error
	}{
		{apperrors.CodeNotFound, apperrors.ErrNotFound},
		{apperrors.CodeAuthRequired, apperrors.ErrUnauthorized},
		{ErrCodePermissionDenied, apperrors.ErrUnauthorized},
		{apperrors.CodeRateLimited, apperrors.ErrRateLimited},
		{apperrors.CodeTimeout, apperrors.ErrTimeout},
		{apperrors.CodeUnavailable, apperrors.ErrUnavailable},
		{apperrors.CodeInvalidParams, apperrors.ErrInvalidInput},
		{apperrors.CodeState, apperrors.ErrInvalidState},
		{apperrors.CodeBackend, apperrors.ErrBackend},
		{apperrors.CodeCaptivePortal, apperrors.ErrCaptivePortal},
	}

	for _, tt := range tests {
		wire := NewError(tt.code, "x", nil)
		if !errors.Is(wire, tt.sentinel) {
			t.Errorf("expected code %d to match %v", tt.code, tt.sentinel)
		}
		if errors.Is(wire, apperrors.ErrConfiguration) {
			t.Errorf("code %d unexpectedly matched ErrConfiguration", tt.code)
		}
	}

	if errors.Is(NewError(ErrCodeInternal, "x", nil), apperrors.ErrNotFound) {
		t.Error("internal error must not match a sentinel")
	}
}

func TestValidateRequest(t *testing.T) {
	tests := map[string]struct {
		line    string
		wantErr bool
	}{
		"status":         {`{"jsonrpc":"2.0","method":"status","id":1}`, false},
		"notification":   {`{"jsonrpc":"2.0","method":"portal.gone"}`, false},
		"object params":  {`{"jsonrpc":"2.0","method":"connection.change_server","params":{"exit_country":"de","exit_city":"Berlin"},"id":"a"}`, false},
		"no version":     {`{"method":"status","id":1}`, true},
		"legacy version": {`{"jsonrpc":"1.0","method":"status","id":1}`, true},
		"no method":      {`{"jsonrpc":"2.0","id":1}`, true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(tt.line), &req); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if err := ValidateRequest(&req); (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResponseConstructors(t *testing.T) {
	ok := NewSuccessResponse(json.RawMessage(`1`), &LogsResult{Logs: "x"})
	if ok.JSONRPC != "2.0" || ok.Error != nil || string(ok.ID) != "1" {
		t.Errorf("unexpected success response %+v", ok)
	}

	failed := NewErrorResponse(json.RawMessage(`"abc"`), ErrMethodNotFound("unknown"))
	if failed.Result != nil {
		t.Errorf("expected no result, got %v", failed.Result)
	}
	if failed.Error == nil || failed.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("expected method not found, got %v", failed.Error)
	}
	if string(failed.ID) != `"abc"` {
		t.Errorf("expected id \"abc\", got %s", failed.ID)
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     int
		message  string
		sentinel error
	}{
		{"not found", fmt.Errorf("city de/Hamburg: %w", apperrors.ErrNotFound), apperrors.CodeNotFound, "not found", apperrors.ErrNotFound},
		{"invalid state", apperrors.ErrBackendNotInitialized, apperrors.CodeState, "invalid state", apperrors.ErrInvalidState},
		{"captive portal", apperrors.ErrCaptivePortal, apperrors.CodeCaptivePortal, "captive portal", apperrors.ErrCaptivePortal},
		{"circuit open", apperrors.ErrCircuitOpen, apperrors.CodeUnavailable, "unavailable", apperrors.ErrUnavailable},
		{"timeout", apperrors.ErrTimeout, apperrors.CodeTimeout, "timeout", apperrors.ErrTimeout},
		{"unknown", errors.New("boom"), ErrCodeInternal, "internal error", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := FromError(tt.err)
			if wire.Code != tt.code {
				t.Errorf("expected code %d, got %d", tt.code, wire.Code)
			}
			if wire.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, wire.Message)
			}
			if wire.Data != tt.err.Error() {
				t.Errorf("expected data %q, got %v", tt.err.Error(), wire.Data)
			}
			if tt.sentinel != nil && !errors.Is(wire, tt.sentinel) {
				t.Errorf("expected wire error to match %v", tt.sentinel)
			}
		})
	}

	if FromError(nil) != nil {
		t.Error("expected nil for a nil error")
	}
	coded := ErrInvalidParams("bad")
	if FromError(fmt.Errorf("wrapped: %w", coded)) != coded {
		t.Error("expected a wire error in the chain to pass through")
	}
}

func TestCodedErrorPassesThrough(t *testing.T) {
	wire := FromError(apperrors.New(apperrors.CodeValidation, "bad mtu"))
	if wire.Code != apperrors.CodeValidation || wire.Message != "bad mtu" || wire.Data != nil {
		t.Errorf("unexpected wire error %+v", wire)
	}
}

func TestResponseJSON(t *testing.T) {
	resp := NewSuccessResponse(json.RawMessage(`7`), &ActionResult{Accepted: true, State: "connecting"})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","result":{"accepted":true,"state":"connecting"},"id":7}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	var decoded Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","error":{"code":-32003,"message":"not found","data":"xx/Nowhere"},"id":7}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !errors.Is(decoded.Error, apperrors.ErrNotFound) {
		t.Errorf("expected decoded error to match ErrNotFound, got %v", decoded.Error)
	}
}
