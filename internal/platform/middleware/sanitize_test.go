package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		reject bool
	}{
		{"clean", "/api/v1/patients?limit=10", nil, false},
		{"path traversal", "/api/v1/../etc/passwd", nil, true},
		{"encoded traversal", "/api/v1/%2e%2e/secret", nil, true},
		{"null byte query", "/api/v1/patients?q=%00", nil, true},
		{"script query", "/api/v1/patients?q=%3Cscript%3E", nil, true},
		{"sql looking query is allowed", "/api/v1/patients?q=1%3D1", nil, false},
		{"oversized header", "/api/v1/patients", map[string]string{"X-Big": string(make([]byte, maxHeaderValueSize+1))}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := Sanitize(zerolog.Nop())(okHandler)(c)
			if tt.reject {
				httpErr, ok := err.(*echo.HTTPError)
				if !ok || httpErr.Code != http.StatusBadRequest {
					t.Fatalf("expected 400, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
