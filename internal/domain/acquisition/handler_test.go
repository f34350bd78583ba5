package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newHandlerWithUnits(t *testing.T, units ...*Unit) *Handler {
	t.Helper()
	repo := NewMemoryRepo()
	seed(t, repo, units...)
	return NewHandler(NewService(repo))
}

func TestHandler_GetUnit(t *testing.T) {
	u := groupUnit("initial:a", StatusCompleted)
	h := newHandlerWithUnits(t, u)

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(u.ID)
	if err := h.GetUnit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Unit
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != u.ID || got.Status != StatusCompleted {
		t.Fatalf("got = %+v", got)
	}

	c = echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("missing")
	var he *echo.HTTPError
	if err := h.GetUnit(c); !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestHandler_ListUnits(t *testing.T) {
	h := newHandlerWithUnits(t,
		groupUnit("initial:a", StatusCompleted),
		groupUnit("initial:b", StatusFailed),
	)

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/?status=failed&_count=5", nil), rec)
	if err := h.ListUnits(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Unit `json:"data"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0].Status != StatusFailed {
		t.Fatalf("body = %+v", body)
	}

	for _, q := range []string{"/?status=done", "/?queryPhase=nightly", "/?queryType=Patch"} {
		c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, q, nil), httptest.NewRecorder())
		var he *echo.HTTPError
		if err := h.ListUnits(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", q, err)
		}
	}
}

func TestHandler_TailEligible(t *testing.T) {
	h := newHandlerWithUnits(t, groupUnit("initial:a", StatusCompleted))

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	if err := h.TailEligible(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var groups []Group
	if err := json.Unmarshal(rec.Body.Bytes(), &groups); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(groups) != 1 || groups[0].Key.ReportTrackingID != "R1" {
		t.Fatalf("groups = %+v", groups)
	}

	_, err := h.svc.TailEligible(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
