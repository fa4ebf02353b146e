package db

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBTxKey     contextKey = "db_tx"
)

// Headers carrying the per-request tenant designator.
const (
	HeaderTenantID     = "X-Tenant-ID"
	HeaderTenantDomain = "X-Tenant-Domain"
)

// JWTTenantKey is the echo context key the auth middleware stores the
// token's tenant id under.
const JWTTenantKey = "jwt_tenant_id"

var domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// TenantResolver maps a tenant domain to its id.
type TenantResolver interface {
	ResolveDomain(ctx context.Context, domain string) (uuid.UUID, error)
}

// TenantMiddleware resolves the request's tenant designator and requires it
// to match the tenant embedded in the caller's token. A request without a
// designator is scoped to the token's tenant. Must run after the auth
// middleware.
func TenantMiddleware(resolver TenantResolver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenTenant, _ := c.Get(JWTTenantKey).(uuid.UUID)
			if tokenTenant == uuid.Nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing tenant claim")
			}

			ctx := c.Request().Context()
			tenantID := tokenTenant

			kind, value := extractTenantDesignator(c)
			switch kind {
			case designatorID:
				id, err := uuid.Parse(value)
				if err != nil {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
				}
				tenantID = id
			case designatorDomain:
				if !domainPattern.MatchString(value) {
					return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant domain")
				}
				id, err := resolver.ResolveDomain(ctx, value)
				if err != nil {
					// Unknown domains and foreign tenants look the same.
					return echo.NewHTTPError(http.StatusForbidden, "access denied")
				}
				tenantID = id
			}

			if tenantID != tokenTenant {
				return echo.NewHTTPError(http.StatusForbidden, "access denied")
			}

			ctx = WithTenant(ctx, tenantID)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set(string(TenantIDKey), tenantID)
			return next(c)
		}
	}
}

type designatorKind int

const (
	designatorNone designatorKind = iota
	designatorID
	designatorDomain
)

func extractTenantDesignator(c echo.Context) (designatorKind, string) {
	// 1. Explicit tenant id header
	if tid := c.Request().Header.Get(HeaderTenantID); tid != "" {
		return designatorID, tid
	}

	// 2. Explicit tenant domain header
	if d := c.Request().Header.Get(HeaderTenantDomain); d != "" {
		return designatorDomain, strings.ToLower(strings.TrimSpace(d))
	}

	// 3. Query parameter
	if d := c.QueryParam("tenant_domain"); d != "" {
		return designatorDomain, strings.ToLower(strings.TrimSpace(d))
	}

	return designatorNone, ""
}

// WithTenant stores the resolved tenant id in ctx.
func WithTenant(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) uuid.UUID {
	tid, _ := ctx.Value(TenantIDKey).(uuid.UUID)
	return tid
}

// ValidDomain reports whether d is an acceptable tenant domain.
func ValidDomain(d string) bool {
	return domainPattern.MatchString(d)
}
