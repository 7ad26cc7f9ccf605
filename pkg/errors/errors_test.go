package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("dial refused")
	err := WrapError(cause, ErrCodeInternal, "transport connect failed", http.StatusInternalServerError)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause in the chain")
	}
	if err.Error() != "INTERNAL_ERROR: transport connect failed (caused by: dial refused)" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{name: "direct match", err: NewNotFoundError("producer"), code: ErrCodeNotFound, want: true},
		{name: "wrapped match", err: fmt.Errorf("context: %w", NewAuthorizationError("nope")), code: ErrCodeAuthorization, want: true},
		{name: "wrong code", err: NewNotFoundError("producer"), code: ErrCodeAuthorization, want: false},
		{name: "plain error", err: errors.New("boring"), code: ErrCodeNotFound, want: false},
		{name: "nil", err: nil, code: ErrCodeNotFound, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCode(tt.err, tt.code); got != tt.want {
				t.Fatalf("IsCode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetAppError(t *testing.T) {
	appErr := NewNegotiationError("incompatible codecs")
	wrapped := fmt.Errorf("consume: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Fatalf("expected the original AppError, got %v", got)
	}
	if got := GetAppError(errors.New("plain")); got != nil {
		t.Fatalf("expected nil for plain error, got %v", got)
	}
}

func TestConstructorStatuses(t *testing.T) {
	tests := []struct {
		err    *AppError
		code   ErrorCode
		status int
	}{
		{NewInvalidInputError("bad"), ErrCodeInvalidInput, http.StatusBadRequest},
		{NewNotFoundError("peer"), ErrCodeNotFound, http.StatusNotFound},
		{NewUnauthorizedError("who"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{NewAuthorizationError("no"), ErrCodeAuthorization, http.StatusForbidden},
		{NewNegotiationError("codec"), ErrCodeNegotiation, http.StatusConflict},
		{NewAlreadyDecidedError("req_1"), ErrCodeAlreadyDecided, http.StatusConflict},
		{NewTimeoutError("slow"), ErrCodeTimeout, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		if tt.err.Code != tt.code || tt.err.HTTPStatus != tt.status {
			t.Errorf("%s: got (%s, %d), want (%s, %d)", tt.err.Message, tt.err.Code, tt.err.HTTPStatus, tt.code, tt.status)
		}
	}
}

func TestWithContext(t *testing.T) {
	err := NewNotFoundError("transport").WithContext("transport_id", "t1")
	if err.Context["transport_id"] != "t1" {
		t.Fatalf("context not recorded: %+v", err.Context)
	}
}
