package orchestrator

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/internal/platform/errs"
)

type Handler struct {
	orch *Orchestrator
}

func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/facilities/:facilityId/validate", h.Validate)
}

type validateRequest struct {
	PatientID string `json:"patientId"`
}

func (h *Handler) Validate(c echo.Context) error {
	var body validateRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if body.PatientID == "" {
		body.PatientID = c.QueryParam("patientId")
	}
	res, err := h.orch.Validate(c.Request().Context(), c.Param("facilityId"), body.PatientID)
	if errs.Is(err, errs.KindConfiguration) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusBadGateway
	}
	return c.JSON(status, res)
}
