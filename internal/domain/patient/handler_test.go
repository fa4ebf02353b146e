package patient

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr/internal/platform/auth"
)

func httpCode(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 0
}

func TestHandler_CreateAndGet(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"first_name":"Jane","last_name":"Doe","date_of_birth":"1990-01-15","phone":"555-0100"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.therapist))
	rec := httptest.NewRecorder()
	if err := h.Create(e.NewContext(req, rec)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rec.Body.String(), `"date_of_birth":"1990-01-15"`) {
		t.Errorf("unexpected date encoding: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.admin))
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"phone":"555-0100"`) {
		t.Errorf("expected decrypted phone, got %s", rec.Body.String())
	}
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.admin))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(h.Get(c)); code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", code)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"first_name":"X"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.admin))
	if code := httpCode(h.Create(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
		t.Errorf("missing fields: expected 400, got %d", code)
	}

	client := f.user(f.tenantA, auth.RoleClient)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), client))
	if code := httpCode(h.Stats(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusForbidden {
		t.Errorf("client stats: expected 403, got %d", code)
	}
}

func TestHandler_List(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()
	f.createPatient(t, sampleInput())

	req := httptest.NewRequest(http.MethodGet, "/?limit=5", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.therapist))
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("list: %v", err)
	}
	var res struct {
		Data  []Patient `json:"data"`
		Total int       `json:"total"`
		Limit int       `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Total != 1 || len(res.Data) != 1 || res.Limit != 5 {
		t.Errorf("unexpected page: %s", rec.Body.String())
	}
}
