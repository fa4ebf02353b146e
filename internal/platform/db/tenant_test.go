package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type mapResolver map[string]uuid.UUID

func (m mapResolver) ResolveDomain(_ context.Context, domain string) (uuid.UUID, error) {
	if id, ok := m[domain]; ok {
		return id, nil
	}
	return uuid.Nil, errors.New("not found")
}

func runTenantMiddleware(t *testing.T, resolver TenantResolver, tokenTenant uuid.UUID, setup func(r *http.Request)) (uuid.UUID, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tokenTenant != uuid.Nil {
		c.Set(JWTTenantKey, tokenTenant)
	}

	var got uuid.UUID
	handler := TenantMiddleware(resolver)(func(c echo.Context) error {
		got = TenantFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	return got, handler(c)
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestTenantMiddleware_DefaultsToTokenTenant(t *testing.T) {
	tenant := uuid.New()
	got, err := runTenantMiddleware(t, mapResolver{}, tenant, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tenant {
		t.Errorf("expected tenant %s, got %s", tenant, got)
	}
}

func TestTenantMiddleware_MatchingDomain(t *testing.T) {
	tenant := uuid.New()
	resolver := mapResolver{"demo.mentalspace.com": tenant}
	got, err := runTenantMiddleware(t, resolver, tenant, func(r *http.Request) {
		r.Header.Set(HeaderTenantDomain, "Demo.MentalSpace.com")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != tenant {
		t.Errorf("expected tenant %s, got %s", tenant, got)
	}
}

func TestTenantMiddleware_ForeignDomainForbidden(t *testing.T) {
	mine, other := uuid.New(), uuid.New()
	resolver := mapResolver{"other.example.com": other}
	_, err := runTenantMiddleware(t, resolver, mine, func(r *http.Request) {
		r.Header.Set(HeaderTenantDomain, "other.example.com")
	})
	if code := httpCode(t, err); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestTenantMiddleware_UnknownDomainLooksForbidden(t *testing.T) {
	_, err := runTenantMiddleware(t, mapResolver{}, uuid.New(), func(r *http.Request) {
		r.Header.Set(HeaderTenantDomain, "nowhere.example.com")
	})
	if code := httpCode(t, err); code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", code)
	}
}

func TestTenantMiddleware_TenantIDHeader(t *testing.T) {
	mine := uuid.New()
	_, err := runTenantMiddleware(t, mapResolver{}, mine, func(r *http.Request) {
		r.Header.Set(HeaderTenantID, uuid.New().String())
	})
	if code := httpCode(t, err); code != http.StatusForbidden {
		t.Errorf("expected 403 for mismatched tenant id, got %d", code)
	}

	_, err = runTenantMiddleware(t, mapResolver{}, mine, func(r *http.Request) {
		r.Header.Set(HeaderTenantID, "not-a-uuid")
	})
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed tenant id, got %d", code)
	}
}

func TestTenantMiddleware_RequiresTokenTenant(t *testing.T) {
	_, err := runTenantMiddleware(t, mapResolver{}, uuid.Nil, nil)
	if code := httpCode(t, err); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestTenantMiddleware_InvalidDomain(t *testing.T) {
	_, err := runTenantMiddleware(t, mapResolver{}, uuid.New(), func(r *http.Request) {
		r.URL.RawQuery = "tenant_domain=bad_domain!"
	})
	if code := httpCode(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestExtractTenantDesignator_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?tenant_domain=query.example.com", nil)
	req.Header.Set(HeaderTenantDomain, "header.example.com")
	c := e.NewContext(req, httptest.NewRecorder())

	kind, v := extractTenantDesignator(c)
	if kind != designatorDomain || v != "header.example.com" {
		t.Errorf("expected header domain to win, got %v %q", kind, v)
	}

	req.Header.Set(HeaderTenantID, "abc")
	kind, v = extractTenantDesignator(c)
	if kind != designatorID || v != "abc" {
		t.Errorf("expected tenant id header to win, got %v %q", kind, v)
	}
}

func TestValidDomain(t *testing.T) {
	valid := []string{"demo.mentalspace.com", "a.b", "clinic-1.example.org"}
	invalid := []string{"", "localhost", "-bad.com", "bad_.com", "UPPER.com", "a..b"}
	for _, d := range valid {
		if !ValidDomain(d) {
			t.Errorf("expected %q to be valid", d)
		}
	}
	for _, d := range invalid {
		if ValidDomain(d) {
			t.Errorf("expected %q to be invalid", d)
		}
	}
}

func TestTenantFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "not-a-uuid")
	if got := TenantFromContext(ctx); got != uuid.Nil {
		t.Errorf("expected nil uuid, got %s", got)
	}
}
