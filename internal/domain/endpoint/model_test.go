package endpoint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/errs"
)

// -- Mock Repository --

type mockRepo struct {
	items map[string]*FacilityEndpoint
}

func newMockRepo() *mockRepo {
	return &mockRepo{items: make(map[string]*FacilityEndpoint)}
}

func (m *mockRepo) Get(_ context.Context, facilityID string) (*FacilityEndpoint, error) {
	e, ok := m.items[facilityID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *mockRepo) List(_ context.Context, limit, offset int) ([]*FacilityEndpoint, int, error) {
	var out []*FacilityEndpoint
	for _, e := range m.items {
		out = append(out, e)
	}
	return out, len(out), nil
}

func (m *mockRepo) Upsert(_ context.Context, e *FacilityEndpoint) error {
	m.items[e.FacilityID] = e
	return nil
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		ep   FacilityEndpoint
		ok   bool
	}{
		{"minimal", FacilityEndpoint{FacilityID: "F1", BaseURL: "https://ehr.example/fhir"}, true},
		{"relative url", FacilityEndpoint{FacilityID: "F1", BaseURL: "/fhir"}, false},
		{"missing facility", FacilityEndpoint{BaseURL: "https://ehr.example/fhir"}, false},
		{"half window", FacilityEndpoint{FacilityID: "F1", BaseURL: "https://x", MinPullTime: "22:00"}, false},
		{"bad window", FacilityEndpoint{FacilityID: "F1", BaseURL: "https://x", MinPullTime: "22:00", MaxPullTime: "25:00"}, false},
		{"window", FacilityEndpoint{FacilityID: "F1", BaseURL: "https://x", MinPullTime: "22:00", MaxPullTime: "04:00"}, true},
		{"bad auth", FacilityEndpoint{FacilityID: "F1", BaseURL: "https://x", Auth: &auth.Configuration{AuthType: "Basic", UserName: "u"}}, false},
	}
	for _, tt := range tests {
		err := tt.ep.Validate()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
		if !tt.ok && !errs.Is(err, errs.KindConfiguration) {
			t.Errorf("%s: expected configuration error, got %v", tt.name, err)
		}
	}
}

func TestNextOpening(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC) }

	always := &FacilityEndpoint{}
	if open, _ := always.NextOpening(day(3, 0)); !open {
		t.Error("expected endpoint without window to be open")
	}

	overnight := &FacilityEndpoint{MinPullTime: "22:00", MaxPullTime: "04:00"}
	tests := []struct {
		at   time.Time
		open bool
		wait time.Duration
	}{
		{day(23, 0), true, 0},
		{day(3, 59), true, 0},
		{day(4, 0), false, 18 * time.Hour},
		{day(21, 30), false, 30 * time.Minute},
	}
	for _, tt := range tests {
		open, wait := overnight.NextOpening(tt.at)
		if open != tt.open || wait != tt.wait {
			t.Errorf("%v: expected (%v, %v), got (%v, %v)", tt.at, tt.open, tt.wait, open, wait)
		}
	}

	daytime := &FacilityEndpoint{MinPullTime: "08:00", MaxPullTime: "17:00"}
	if open, wait := daytime.NextOpening(day(18, 0)); open || wait != 14*time.Hour {
		t.Errorf("expected opening next morning, got (%v, %v)", open, wait)
	}
}

func TestClientAndRedacted(t *testing.T) {
	e := &FacilityEndpoint{
		FacilityID:            "F1",
		BaseURL:               "https://x/fhir",
		MaxConcurrentRequests: 3,
		Auth:                  &auth.Configuration{AuthType: "ApiKey", Key: "secret"},
	}
	c := e.Client()
	if c.FacilityID != "F1" || c.MaxConcurrent != 3 || c.Auth.Key != "secret" {
		t.Errorf("unexpected client endpoint %+v", c)
	}
	r := e.Redacted()
	if r.Auth.Key != "***" || e.Auth.Key != "secret" {
		t.Errorf("redaction must copy: %q %q", r.Auth.Key, e.Auth.Key)
	}
}

func TestService_Endpoint(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.Endpoint(ctx, "F1")
	if !errs.Is(err, errs.KindConfiguration) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected configuration not-found error, got %v", err)
	}
	if err := svc.SaveEndpoint(ctx, &FacilityEndpoint{FacilityID: "F1", BaseURL: "nope"}); err == nil {
		t.Fatal("expected validation error")
	}
	if err := svc.SaveEndpoint(ctx, &FacilityEndpoint{FacilityID: "F1", BaseURL: "https://x/fhir"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Endpoint(ctx, "F1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandler_GetEndpointRedacts(t *testing.T) {
	repo := newMockRepo()
	repo.items["F1"] = &FacilityEndpoint{FacilityID: "F1", BaseURL: "https://x", Auth: &auth.Configuration{AuthType: "Basic", UserName: "u", Password: "pw"}}
	h := NewHandler(NewService(repo))

	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("facilityId")
	c.SetParamValues("F1")
	if err := h.GetEndpoint(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), `"pw"`) {
		t.Errorf("password leaked: %s", rec.Body.String())
	}

	c = echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("facilityId")
	c.SetParamValues("F2")
	var he *echo.HTTPError
	if err := h.GetEndpoint(c); !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}
