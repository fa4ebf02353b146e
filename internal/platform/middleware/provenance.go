package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr/internal/platform/auth"
)

const maxUserAgentLen = 512

// Provenance captures the client address and user agent onto the request
// context for the audit trail.
func Provenance() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ua := c.Request().UserAgent()
			if len(ua) > maxUserAgentLen {
				ua = ua[:maxUserAgentLen]
			}
			ctx := auth.WithProvenance(c.Request().Context(), auth.Provenance{
				IPAddress: c.RealIP(),
				UserAgent: ua,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}
