package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/errs"
)

// Request is one acquisition work item as delivered by the queue.
type Request struct {
	FacilityID       string                        `json:"facilityId"`
	PatientID        string                        `json:"patientId"`
	CorrelationID    string                        `json:"correlationId"`
	ReportableEvent  string                        `json:"reportableEvent,omitempty"`
	QueryType        queryplan.Phase               `json:"queryType"`
	Priority         int                           `json:"priority,omitempty"`
	ScheduledReports []acquisition.ScheduledReport `json:"scheduledReports"`
	TraceID          string                        `json:"traceId,omitempty"`
}

// Validate checks the work item shape. It does not look at stored
// configuration.
func (r *Request) Validate() error {
	var problems []string
	if r.FacilityID == "" {
		problems = append(problems, "facilityId is required")
	}
	if r.PatientID == "" {
		problems = append(problems, "patientId is required")
	}
	if r.CorrelationID == "" {
		problems = append(problems, "correlationId is required")
	}
	if r.QueryType != queryplan.PhaseInitial && r.QueryType != queryplan.PhaseSupplemental {
		problems = append(problems, fmt.Sprintf("queryType must be Initial or Supplemental, got %q", r.QueryType))
	}
	if len(r.ScheduledReports) == 0 {
		problems = append(problems, "at least one scheduled report is required")
	}
	for _, sr := range r.ScheduledReports {
		if err := sr.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
		if _, ok := queryplan.ParseFrequency(sr.Frequency); !ok {
			problems = append(problems, fmt.Sprintf("report %s: unsupported frequency %q", sr.ReportTrackingID, sr.Frequency))
		}
	}
	if len(problems) > 0 {
		return errs.Configuration("validate work item", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// DecodeRequest parses and validates a work item body. Query types are
// matched case-insensitively.
func DecodeRequest(body []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, errs.New(errs.KindConfiguration, "decode work item", err)
	}
	if ph, ok := queryplan.ParsePhase(string(r.QueryType)); ok {
		r.QueryType = ph
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}
