package endpoint

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
)

// FacilityEndpoint is the FHIR server a facility's data is acquired from.
type FacilityEndpoint struct {
	FacilityID            string              `json:"facilityId"`
	BaseURL               string              `json:"baseUrl"`
	Auth                  *auth.Configuration `json:"authentication,omitempty"`
	MaxConcurrentRequests int                 `json:"maxConcurrentRequests,omitempty"`
	// MinPullTime and MaxPullTime bound the local time of day ("HH:MM")
	// during which acquisitions may run. The window may span midnight.
	MinPullTime string    `json:"minAcquisitionPullTime,omitempty"`
	MaxPullTime string    `json:"maxAcquisitionPullTime,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Validate checks the endpoint and its authentication settings.
func (e *FacilityEndpoint) Validate() error {
	var problems []string
	if e.FacilityID == "" {
		problems = append(problems, "facilityId is required")
	}
	u, err := url.Parse(e.BaseURL)
	if e.BaseURL == "" || err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, "baseUrl must be an absolute http(s) URL")
	}
	if e.MaxConcurrentRequests < 0 {
		problems = append(problems, "maxConcurrentRequests must not be negative")
	}
	if (e.MinPullTime == "") != (e.MaxPullTime == "") {
		problems = append(problems, "minAcquisitionPullTime and maxAcquisitionPullTime must be set together")
	} else if e.MinPullTime != "" {
		if _, err := parseClock(e.MinPullTime); err != nil {
			problems = append(problems, err.Error())
		}
		if _, err := parseClock(e.MaxPullTime); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return errs.Configuration("validate endpoint", "%s", strings.Join(problems, "; "))
	}
	return e.Auth.Validate()
}

// Client returns the transport view of the endpoint.
func (e *FacilityEndpoint) Client() fhirclient.Endpoint {
	return fhirclient.Endpoint{
		FacilityID:    e.FacilityID,
		BaseURL:       e.BaseURL,
		Auth:          e.Auth,
		MaxConcurrent: e.MaxConcurrentRequests,
	}
}

// Redacted returns a copy without secrets, for API responses.
func (e *FacilityEndpoint) Redacted() *FacilityEndpoint {
	out := *e
	if e.Auth != nil {
		a := *e.Auth
		if a.Key != "" {
			a.Key = "***"
		}
		if a.Password != "" {
			a.Password = "***"
		}
		out.Auth = &a
	}
	return &out
}

// NextOpening reports whether now falls inside the pull window and, when it
// does not, how long until the window opens. Times are compared in now's
// location.
func (e *FacilityEndpoint) NextOpening(now time.Time) (open bool, wait time.Duration) {
	if e.MinPullTime == "" || e.MaxPullTime == "" {
		return true, 0
	}
	start, err1 := parseClock(e.MinPullTime)
	end, err2 := parseClock(e.MaxPullTime)
	if err1 != nil || err2 != nil || start == end {
		return true, 0
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	cur := now.Sub(midnight)

	var inside bool
	if start < end {
		inside = cur >= start && cur < end
	} else {
		inside = cur >= start || cur < end
	}
	if inside {
		return true, 0
	}
	opening := midnight.Add(start)
	if !opening.After(now) {
		opening = opening.AddDate(0, 0, 1)
	}
	return false, opening.Sub(now)
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
