package clinical

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

func TestHandler_CreateSignUpdate(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()

	body := `{"patient_id":"` + f.patient.ID.String() + `","note_type":"birp","subjective":"anxious"}`
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
	var n Note
	if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
		t.Fatal(err)
	}
	if n.NoteType != NoteTypeBIRP || n.IsSigned {
		t.Errorf("unexpected note: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.therapist))
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(n.ID.String())
	if err := h.Sign(c); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"is_signed":true`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPut, "/", strings.NewReader(`{"plan":"refer"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.admin))
	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(n.ID.String())
	if code := httpCode(h.Update(c)); code != http.StatusConflict {
		t.Errorf("update signed: expected 409, got %d", code)
	}
}

func TestHandler_ListForPatient(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()
	f.draft(t, f.therapist)
	f.signed(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), f.client))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues(f.patient.ID.String())
	if err := h.ListForPatient(c); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("client should see one signed note: %s", rec.Body.String())
	}

	c = e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("patientId")
	c.SetParamValues("not-a-uuid")
	if code := httpCode(h.ListForPatient(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_ListFilterErrors(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()
	for _, q := range []string{"?patient_id=nope", "?is_signed=maybe", "?note_type=essay"} {
		req := httptest.NewRequest(http.MethodGet, "/"+q, nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), f.admin))
		if code := httpCode(h.List(e.NewContext(req, httptest.NewRecorder()))); code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, code)
		}
	}
}

func TestHandler_DeleteRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.svc)
	e := echo.New()
	n := f.draft(t, f.therapist)

	for _, tc := range []struct {
		who  *auth.Identity
		code int
	}{
		{f.therapist, http.StatusForbidden},
		{f.admin, http.StatusNoContent},
	} {
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), tc.who))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("id")
		c.SetParamValues(n.ID.String())
		err := h.Delete(c)
		got := rec.Code
		if err != nil {
			got = httpCode(err)
		}
		if got != tc.code {
			t.Errorf("%s: expected %d, got %d", tc.who.Role, tc.code, got)
		}
	}
}
