package fhir

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome represents a FHIR OperationOutcome.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// IsOperationOutcome reports whether raw is an OperationOutcome resource.
func IsOperationOutcome(raw json.RawMessage) bool {
	return gjson.GetBytes(raw, "resourceType").String() == "OperationOutcome"
}

// ParseOperationOutcome decodes raw when it is an OperationOutcome.
func ParseOperationOutcome(raw []byte) (*OperationOutcome, bool) {
	if !IsOperationOutcome(raw) {
		return nil, false
	}
	var o OperationOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, false
	}
	return &o, true
}

// HasErrors returns true if the outcome contains any error or fatal issues.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary flattens the issues into one line for unit notes.
func (o *OperationOutcome) Summary() string {
	if o == nil {
		return "no issues"
	}
	parts := make([]string, 0, len(o.Issue))
	for _, issue := range o.Issue {
		text := issue.Diagnostics
		if text == "" && issue.Details != nil {
			text = issue.Details.Text
		}
		if text == "" {
			text = issue.Code
		}
		parts = append(parts, issue.Severity+": "+text)
	}
	return strings.Join(parts, "; ")
}
