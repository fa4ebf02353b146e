package scheduling

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

func TestHandler_CreateAndStartTelevisit(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"patient_id":"` + f.patient.ID.String() + `","appointment_date":"2026-03-02T15:00:00Z","notes":"intake"}`
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
	var a Appointment
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.therapist))
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if err := h.StartTelevisit(c); err != nil {
		t.Fatalf("start: %v", err)
	}
	var session struct {
		URL    string `json:"televisit_url"`
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatal(err)
	}
	if session.RoomID != a.ID.String() || !strings.HasSuffix(session.URL, a.ID.String()) {
		t.Errorf("unexpected session: %s", rec.Body.String())
	}

	// A second start conflicts with the current state.
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.therapist))
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(a.ID.String())
	if code := httpCode(h.StartTelevisit(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_ListFilterErrors(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	for _, q := range []string{"?patient_id=nope", "?from=yesterday", "?status=done"} {
		req := httptest.NewRequest(http.MethodGet, "/"+q, nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), f.admin))
		if code := httpCode(h.List(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, code)
		}
	}

	f.book(t)
	req := httptest.NewRequest(http.MethodGet, "/?status=scheduled", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.client))
	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(req, rec)); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}
