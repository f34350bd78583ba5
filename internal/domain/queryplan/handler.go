package queryplan

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/facilities/:facilityId/query-plans", h.ListPlans)
	api.GET("/facilities/:facilityId/query-plans/:frequency", h.GetPlan)
}

func (h *Handler) GetPlan(c echo.Context) error {
	freq, ok := ParseFrequency(c.Param("frequency"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid frequency")
	}
	p, err := h.svc.repo.Get(c.Request().Context(), c.Param("facilityId"), freq)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "query plan not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	plans, err := h.svc.ListPlans(c.Request().Context(), c.Param("facilityId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if plans == nil {
		plans = []*QueryPlan{}
	}
	return c.JSON(http.StatusOK, plans)
}
