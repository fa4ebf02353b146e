// Package apperr defines the error taxonomy shared by the core services and
// its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/hengadev/errsx"
	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidState       = errors.New("invalid state")
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
)

// NotFound wraps ErrNotFound with the kind of record that was looked up.
func NotFound(kind string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, kind)
}

// Conflict wraps ErrConflict; used when a referenced record is absent from
// the caller's tenant or a uniqueness constraint is hit.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// InvalidTransition reports an illegal state machine edge.
func InvalidTransition(entity, from, to string) error {
	return fmt.Errorf("%w: %s cannot transition from %s to %s", ErrInvalidState, entity, from, to)
}

// ValidationError collects per-field problems.
type ValidationError struct {
	Fields errsx.Map
}

// Validation returns a *ValidationError for a non-empty map and nil otherwise.
func Validation(fields errsx.Map) error {
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Fields[k]))
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// HTTPStatus maps an error onto its HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ToHTTP converts a service error into an echo.HTTPError. Authorization
// failures get a fixed message so responses never describe why access was
// refused; internal errors are hidden behind the generic status text.
func ToHTTP(err error) *echo.HTTPError {
	status := HTTPStatus(err)
	switch status {
	case http.StatusInternalServerError:
		return echo.NewHTTPError(status, http.StatusText(status)).SetInternal(err)
	case http.StatusForbidden:
		return echo.NewHTTPError(status, "access denied").SetInternal(err)
	case http.StatusUnauthorized:
		if errors.Is(err, ErrInvalidCredentials) {
			return echo.NewHTTPError(status, ErrInvalidCredentials.Error())
		}
		return echo.NewHTTPError(status, ErrInvalidToken.Error()).SetInternal(err)
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		fields := make(map[string]string, len(ve.Fields))
		for k, v := range ve.Fields {
			fields[k] = fmt.Sprint(v)
		}
		return echo.NewHTTPError(status, map[string]any{"error": ErrValidation.Error(), "fields": fields})
	}
	return echo.NewHTTPError(status, err.Error())
}
