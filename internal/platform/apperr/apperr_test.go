package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/hengadev/errsx"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("patient"), http.StatusNotFound},
		{ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("parse: %w", ErrInvalidToken), http.StatusUnauthorized},
		{fmt.Errorf("%w: wrong_tenant", ErrForbidden), http.StatusForbidden},
		{InvalidTransition("clinical note", "SIGNED", "SIGNED"), http.StatusConflict},
		{Conflict("patient %s not found in tenant", "x"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestValidation(t *testing.T) {
	if Validation(make(errsx.Map)) != nil {
		t.Fatal("expected nil for empty map")
	}
	fields := make(errsx.Map)
	fields.Set("last_name", "is required")
	fields.Set("first_name", "is required")
	err := Validation(fields)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if HTTPStatus(err) != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", HTTPStatus(err))
	}
	if !strings.HasPrefix(err.Error(), "validation failed: first_name") {
		t.Errorf("expected sorted field list, got %q", err.Error())
	}
}

func TestToHTTP_HidesDenyReason(t *testing.T) {
	he := ToHTTP(fmt.Errorf("%w: not_owner", ErrForbidden))
	if he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", he.Code)
	}
	if he.Message != "access denied" {
		t.Errorf("expected generic message, got %v", he.Message)
	}
}

func TestToHTTP_InternalError(t *testing.T) {
	he := ToHTTP(errors.New("connection reset"))
	if he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", he.Code)
	}
	if he.Message == "connection reset" {
		t.Error("internal error text must not leak")
	}
}
