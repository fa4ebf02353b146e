package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/db"
)

func okHandler(c echo.Context) error { return c.String(http.StatusOK, "ok") }

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return okHandler(c)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen == "" {
		t.Error("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("expected response header %q, got %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequestID()(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 500))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	_ = RequestID()(okHandler)(c)
	if _, err := uuid.Parse(rec.Header().Get(RequestIDHeader)); err != nil {
		t.Errorf("expected generated uuid, got %q", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequestWithoutPII(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients?email=jane@example.com", nil)
	tenantID := uuid.New()
	userID := uuid.New()
	ctx := db.WithTenant(req.Context(), tenantID)
	ctx = auth.WithIdentity(ctx, &auth.Identity{UserID: userID, TenantID: tenantID, Role: auth.RoleTherapist})
	rec := httptest.NewRecorder()
	c := e.NewContext(req.WithContext(ctx), rec)
	c.Set("request_id", "req-1")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log is not JSON: %v (%s)", err, buf.String())
	}
	if line["request_id"] != "req-1" || line["tenant_id"] != tenantID.String() || line["user_id"] != userID.String() {
		t.Errorf("unexpected log fields: %v", line)
	}
	if line["path"] != "/api/v1/patients" {
		t.Errorf("expected path without query, got %v", line["path"])
	}
	if strings.Contains(buf.String(), "jane@example.com") {
		t.Error("query string leaked into request log")
	}
}

func TestLogger_HandlesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), rec)

	h := Logger(zerolog.New(&buf))(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})
	if err := h(c); err != nil {
		t.Fatalf("logger should handle the error, got %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 written, got %d", rec.Code)
	}
	if !strings.Contains(buf.String(), `"status":404`) {
		t.Errorf("expected status 404 in log, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/panic", nil), httptest.NewRecorder())

	h := Recovery(zerolog.Nop())(func(echo.Context) error {
		panic("test panic")
	})
	err := h(c)

	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestProvenance(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", "ehr-test/1.0")
	req.RemoteAddr = "203.0.113.7:5555"
	c := e.NewContext(req, httptest.NewRecorder())

	var got auth.Provenance
	h := Provenance()(func(c echo.Context) error {
		got = auth.ProvenanceFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.IPAddress != "203.0.113.7" {
		t.Errorf("expected ip 203.0.113.7, got %q", got.IPAddress)
	}
	if got.UserAgent != "ehr-test/1.0" {
		t.Errorf("expected user agent, got %q", got.UserAgent)
	}
}

func TestProvenance_TruncatesUserAgent(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("User-Agent", strings.Repeat("a", 2000))
	c := e.NewContext(req, httptest.NewRecorder())

	var got auth.Provenance
	_ = Provenance()(func(c echo.Context) error {
		got = auth.ProvenanceFromContext(c.Request().Context())
		return nil
	})(c)
	if len(got.UserAgent) != maxUserAgentLen {
		t.Errorf("expected %d chars, got %d", maxUserAgentLen, len(got.UserAgent))
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/patients/abc", nil)
	id := &auth.Identity{UserID: uuid.New(), TenantID: uuid.New(), Role: auth.RoleClient}
	c := e.NewContext(req.WithContext(auth.WithIdentity(req.Context(), id)), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")

	if err := AccessLog(zerolog.New(&buf))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log is not JSON: %v", err)
	}
	if line["resource"] != "patients" || line["record_id"] != "abc" || line["action"] != "read" {
		t.Errorf("unexpected access log: %v", line)
	}
	if line["role"] != "CLIENT" {
		t.Errorf("expected role CLIENT, got %v", line["role"])
	}
}

func TestAccessLog_SkipsAnonymous(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil), httptest.NewRecorder())
	_ = AccessLog(zerolog.New(&buf))(okHandler)(c)
	if buf.Len() != 0 {
		t.Errorf("expected no access log for anonymous request, got %s", buf.String())
	}
}

func TestMethodAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for m, want := range tests {
		if got := methodAction(m); got != want {
			t.Errorf("methodAction(%s) = %s, want %s", m, got, want)
		}
	}
}
