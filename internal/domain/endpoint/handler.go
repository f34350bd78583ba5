package endpoint

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/facilities", h.ListEndpoints)
	api.GET("/facilities/:facilityId/endpoint", h.GetEndpoint)
}

func (h *Handler) GetEndpoint(c echo.Context) error {
	e, err := h.svc.repo.Get(c.Request().Context(), c.Param("facilityId"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "facility endpoint not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, e.Redacted())
}

func (h *Handler) ListEndpoints(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListEndpoints(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]*FacilityEndpoint, 0, len(items))
	for _, e := range items {
		out = append(out, e.Redacted())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, out, total, pg))
}
