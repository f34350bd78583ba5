package acquisition

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/acquisition-units", h.ListUnits)
	api.GET("/acquisition-units/tail-eligible", h.TailEligible)
	api.GET("/acquisition-units/:id", h.GetUnit)
}

func (h *Handler) GetUnit(c echo.Context) error {
	u, err := h.svc.GetUnit(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "acquisition unit not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUnits(c echo.Context) error {
	f := Filter{
		FacilityID:       c.QueryParam("facilityId"),
		PatientID:        c.QueryParam("patientId"),
		ResourceType:     c.QueryParam("resourceType"),
		CorrelationID:    c.QueryParam("correlationId"),
		ReportTrackingID: c.QueryParam("reportTrackingId"),
	}
	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseStatus(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
		}
		f.Status = st
	}
	if v := c.QueryParam("queryPhase"); v != "" {
		ph, ok := queryplan.ParsePhase(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid queryPhase")
		}
		f.QueryPhase = ph
	}
	switch v := c.QueryParam("queryType"); v {
	case "":
	case string(QueryRead), string(QuerySearch):
		f.QueryType = QueryType(v)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid queryType")
	}

	pg := pagination.FromContext(c)
	units, total, err := h.svc.ListUnits(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewPage(c, units, total, pg))
}

func (h *Handler) TailEligible(c echo.Context) error {
	pg := pagination.FromContext(c)
	groups, err := h.svc.TailEligible(c.Request().Context(), pg.Limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if groups == nil {
		groups = []*Group{}
	}
	return c.JSON(http.StatusOK, groups)
}
