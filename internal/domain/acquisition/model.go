package acquisition

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/acquisition/internal/domain/queryplan"
)

// Status is an acquisition unit's lifecycle state.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusReady      Status = "Ready"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus matches case-insensitively.
func ParseStatus(s string) (Status, bool) {
	for _, st := range []Status{StatusPending, StatusReady, StatusProcessing, StatusCompleted, StatusFailed} {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusReady, StatusProcessing},
	StatusReady:      {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

var ErrInvalidTransition = errors.New("invalid status transition")

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// QueryType is the FHIR interaction a unit performs.
type QueryType string

const (
	QueryRead   QueryType = "Read"
	QuerySearch QueryType = "Search"
)

// ScheduledReport is the reporting cycle a unit contributes to.
type ScheduledReport struct {
	ReportTrackingID string    `json:"reportTrackingId"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	Frequency        string    `json:"frequency"`
	ReportTypes      []string  `json:"reportTypes"`
}

func (r ScheduledReport) Validate() error {
	if r.ReportTrackingID == "" {
		return fmt.Errorf("reportTrackingId is required")
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return fmt.Errorf("report %s: startDate and endDate are required", r.ReportTrackingID)
	}
	if r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("report %s: endDate is before startDate", r.ReportTrackingID)
	}
	return nil
}

// Note is one entry of a unit's append-only history.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Unit is the durable record of one query step execution.
type Unit struct {
	ID                   string          `json:"id"`
	FacilityID           string          `json:"facilityId"`
	PatientID            string          `json:"patientId"`
	CorrelationID        string          `json:"correlationId"`
	ReportableEvent      string          `json:"reportableEvent,omitempty"`
	Priority             int             `json:"priority"`
	ResourceType         string          `json:"resourceType"`
	QueryType            QueryType       `json:"queryType"`
	QueryPhase           queryplan.Phase `json:"queryPhase"`
	StepKey              string          `json:"stepKey"`
	Status               Status          `json:"status"`
	RetryAttempts        int             `json:"retryAttempts"`
	ExecutionDate        *time.Time      `json:"executionDate,omitempty"`
	CompletionDate       *time.Time      `json:"completionDate,omitempty"`
	CompletionTimeMs     *int64          `json:"completionTimeMs,omitempty"`
	AcquiredResourceIDs  []string        `json:"acquiredResourceIds"`
	ReferenceResourceIDs []string        `json:"referenceResourceIds"`
	ScheduledReport      ScheduledReport `json:"scheduledReport"`
	TailSent             bool            `json:"tailSent"`
	Notes                []Note          `json:"notes"`
	IsReference          bool            `json:"isReference"`
	ParentID             string          `json:"parentId,omitempty"`
	Supersedes           string          `json:"supersedes,omitempty"`
	TraceID              string          `json:"traceId,omitempty"`
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// NewUnit returns a Pending unit with a fresh id.
func NewUnit() *Unit {
	return &Unit{ID: uuid.NewString(), Status: StatusPending}
}

func (u *Unit) transition(to Status) error {
	if !CanTransition(u.Status, to) {
		return fmt.Errorf("%w: unit %s %s -> %s", ErrInvalidTransition, u.ID, u.Status, to)
	}
	u.Status = to
	return nil
}

// AddNote appends to the unit history.
func (u *Unit) AddNote(now time.Time, format string, args ...any) {
	u.Notes = append(u.Notes, Note{At: now.UTC(), Text: fmt.Sprintf(format, args...)})
}

// MarkReady moves a Pending retry successor to Ready.
func (u *Unit) MarkReady() error {
	return u.transition(StatusReady)
}

// Start moves the unit to Processing and stamps the execution date.
func (u *Unit) Start(now time.Time) error {
	if err := u.transition(StatusProcessing); err != nil {
		return err
	}
	t := now.UTC()
	u.ExecutionDate = &t
	return nil
}

// Complete moves a Processing unit to Completed.
func (u *Unit) Complete(now time.Time) error {
	if err := u.transition(StatusCompleted); err != nil {
		return err
	}
	u.finish(now)
	return nil
}

// Fail moves a Processing unit to Failed with a note.
func (u *Unit) Fail(now time.Time, reason string) error {
	if err := u.transition(StatusFailed); err != nil {
		return err
	}
	u.AddNote(now, "%s", reason)
	u.finish(now)
	return nil
}

func (u *Unit) finish(now time.Time) {
	t := now.UTC()
	u.CompletionDate = &t
	if u.ExecutionDate != nil {
		ms := t.Sub(*u.ExecutionDate).Milliseconds()
		u.CompletionTimeMs = &ms
	}
}

// AddAcquired records acquired "Type/id" keys, skipping duplicates.
func (u *Unit) AddAcquired(keys ...string) {
	u.AcquiredResourceIDs = appendUnique(u.AcquiredResourceIDs, keys...)
}

// AddReferences records linked reference targets, skipping duplicates.
func (u *Unit) AddReferences(keys ...string) {
	u.ReferenceResourceIDs = appendUnique(u.ReferenceResourceIDs, keys...)
}

func appendUnique(dst []string, keys ...string) []string {
	for _, k := range keys {
		if k == "" {
			continue
		}
		dup := false
		for _, existing := range dst {
			if existing == k {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, k)
		}
	}
	return dst
}

// Successor builds the Pending unit that retries u. It shares u's step and
// group and carries one more retry attempt.
func (u *Unit) Successor(now time.Time) *Unit {
	next := NewUnit()
	next.FacilityID = u.FacilityID
	next.PatientID = u.PatientID
	next.CorrelationID = u.CorrelationID
	next.ReportableEvent = u.ReportableEvent
	next.Priority = u.Priority
	next.ResourceType = u.ResourceType
	next.QueryType = u.QueryType
	next.QueryPhase = u.QueryPhase
	next.StepKey = u.StepKey
	next.ScheduledReport = u.ScheduledReport
	next.IsReference = u.IsReference
	next.ParentID = u.ParentID
	next.TraceID = u.TraceID
	next.Supersedes = u.ID
	next.RetryAttempts = u.RetryAttempts + 1
	next.AddNote(now, "Retrying failed request. Attempt %d", next.RetryAttempts)
	return next
}

// Key returns the completion group the unit belongs to.
func (u *Unit) Key() GroupKey {
	return GroupKey{
		FacilityID:       u.FacilityID,
		CorrelationID:    u.CorrelationID,
		ReportTrackingID: u.ScheduledReport.ReportTrackingID,
		ReportStart:      u.ScheduledReport.StartDate.UTC(),
		ReportEnd:        u.ScheduledReport.EndDate.UTC(),
		QueryPhase:       u.QueryPhase,
	}
}

// Clone returns a deep copy.
func (u *Unit) Clone() *Unit {
	c := *u
	c.AcquiredResourceIDs = append([]string(nil), u.AcquiredResourceIDs...)
	c.ReferenceResourceIDs = append([]string(nil), u.ReferenceResourceIDs...)
	c.Notes = append([]Note(nil), u.Notes...)
	c.ScheduledReport.ReportTypes = append([]string(nil), u.ScheduledReport.ReportTypes...)
	if u.ExecutionDate != nil {
		t := *u.ExecutionDate
		c.ExecutionDate = &t
	}
	if u.CompletionDate != nil {
		t := *u.CompletionDate
		c.CompletionDate = &t
	}
	if u.CompletionTimeMs != nil {
		ms := *u.CompletionTimeMs
		c.CompletionTimeMs = &ms
	}
	return &c
}

// GroupKey identifies the units whose completion is signalled together.
type GroupKey struct {
	FacilityID       string          `json:"facilityId"`
	CorrelationID    string          `json:"correlationId"`
	ReportTrackingID string          `json:"reportTrackingId"`
	ReportStart      time.Time       `json:"reportStartDate"`
	ReportEnd        time.Time       `json:"reportEndDate"`
	QueryPhase       queryplan.Phase `json:"queryPhase"`
}

func (k GroupKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", k.FacilityID, k.CorrelationID, k.ReportTrackingID,
		k.ReportStart.Format(time.RFC3339), k.ReportEnd.Format(time.RFC3339), k.QueryPhase)
}

// UnitVersion pins a unit row to the version a sweep observed.
type UnitVersion struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Group is a tail-eligible set of units as observed by one sweep.
type Group struct {
	Key             GroupKey        `json:"key"`
	PatientID       string          `json:"patientId"`
	ReportableEvent string          `json:"reportableEvent,omitempty"`
	ScheduledReport ScheduledReport `json:"scheduledReport"`
	TraceID         string          `json:"traceId,omitempty"`
	Units           []UnitVersion   `json:"units"`
}

// Filter narrows audit listings. Empty fields match everything.
type Filter struct {
	FacilityID       string
	PatientID        string
	ResourceType     string
	CorrelationID    string
	ReportTrackingID string
	QueryPhase       queryplan.Phase
	QueryType        QueryType
	Status           Status
}

// Matches applies the filter in memory.
func (f Filter) Matches(u *Unit) bool {
	return (f.FacilityID == "" || u.FacilityID == f.FacilityID) &&
		(f.PatientID == "" || u.PatientID == f.PatientID) &&
		(f.ResourceType == "" || strings.EqualFold(u.ResourceType, f.ResourceType)) &&
		(f.CorrelationID == "" || u.CorrelationID == f.CorrelationID) &&
		(f.ReportTrackingID == "" || u.ScheduledReport.ReportTrackingID == f.ReportTrackingID) &&
		(f.QueryPhase == "" || u.QueryPhase == f.QueryPhase) &&
		(f.QueryType == "" || u.QueryType == f.QueryType) &&
		(f.Status == "" || u.Status == f.Status)
}
