package admin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mentalspace/ehr/internal/platform/apperr"
	"github.com/mentalspace/ehr/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/tenant", h.GetCurrentTenant)
}

func (h *Handler) GetCurrentTenant(c echo.Context) error {
	ctx := c.Request().Context()
	t, err := h.svc.CurrentTenant(ctx, auth.IdentityFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}
