package auth

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeUserRequest struct {
	UserID string `json:"user_id"`
}

// RegisterRevocationRoutes registers admin token revocation endpoints.
// ttl bounds how long a user-wide revocation is kept and should be at
// least the token lifetime.
func RegisterRevocationRoutes(g *echo.Group, store RevocationStore, ttl time.Duration) {
	authGroup := g.Group("/auth", RequireRole(RoleAdmin))

	authGroup.POST("/revoke", handleRevokeToken(store, ttl))
	authGroup.POST("/revoke-user", handleRevokeUser(store, ttl))
}

func handleRevokeToken(store RevocationStore, ttl time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(ttl)
		}
		if err := store.Revoke(c.Request().Context(), req.JTI, req.ExpiresAt); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "revocation unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevokeUser(store RevocationStore, ttl time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeUserRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id must be a UUID")
		}
		if err := store.RevokeUser(c.Request().Context(), userID, time.Now(), ttl); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "revocation unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}
}
