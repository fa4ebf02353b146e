package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mentalspace/ehr/internal/platform/auth"
	"github.com/mentalspace/ehr/internal/platform/db"
)

// AccessLog emits a "phi_access" event for every /api/v1 request made by an
// authenticated caller, reads included. Mutations are additionally recorded
// in the audit_logs table by the services; this log covers record access.
func AccessLog(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := c.Request().Context()
			id := auth.IdentityFromContext(ctx)
			if id == nil {
				return err
			}

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", rid).
				Str("tenant_id", db.TenantFromContext(ctx).String()).
				Str("user_id", id.UserID.String()).
				Str("role", string(id.Role)).
				Str("resource", resourceFromPath(req.URL.Path)).
				Str("record_id", c.Param("id")).
				Str("action", methodAction(req.Method)).
				Int("status", status).
				Time("at", time.Now().UTC()).
				Msg("phi_access")

			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath returns the first segment after /api/v1/.
func resourceFromPath(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, "/api/v1/"), "/", 2)
	if seg[0] == "" {
		return "unknown"
	}
	return seg[0]
}
