package acquisition

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/acquisition/internal/platform/notification"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// ResourceAcquired is the outbound payload. One is sent per fetched batch
// and one more, with AcquisitionComplete set, when a group's units are all
// terminal.
type ResourceAcquired struct {
	FacilityID          string            `json:"facilityId"`
	PatientID           string            `json:"patientId"`
	QueryType           string            `json:"queryType"`
	ReportableEvent     string            `json:"reportableEvent,omitempty"`
	AcquisitionComplete bool              `json:"acquisitionComplete"`
	ScheduledReports    []ScheduledReport `json:"scheduledReports"`
	UnitID              string            `json:"acquisitionUnitId,omitempty"`
	ResourceType        string            `json:"resourceType,omitempty"`
	Resources           []json.RawMessage `json:"resources,omitempty"`
}

// Notifier publishes acquisition events keyed by correlation id.
type Notifier interface {
	Notify(ctx context.Context, correlationID string, ev *ResourceAcquired) error
}

// BatchEvent builds the per-batch event for a unit.
func BatchEvent(u *Unit, resources []json.RawMessage) *ResourceAcquired {
	return &ResourceAcquired{
		FacilityID:       u.FacilityID,
		PatientID:        u.PatientID,
		QueryType:        string(u.QueryPhase),
		ReportableEvent:  u.ReportableEvent,
		ScheduledReports: []ScheduledReport{u.ScheduledReport},
		UnitID:           u.ID,
		ResourceType:     u.ResourceType,
		Resources:        resources,
	}
}

// TailEvent builds the completion event for a group.
func TailEvent(g *Group) *ResourceAcquired {
	return &ResourceAcquired{
		FacilityID:          g.Key.FacilityID,
		PatientID:           g.PatientID,
		QueryType:           string(g.Key.QueryPhase),
		ReportableEvent:     g.ReportableEvent,
		AcquisitionComplete: true,
		ScheduledReports:    []ScheduledReport{g.ScheduledReport},
	}
}

// DispatchNotifier sends events through a notification dispatcher.
type DispatchNotifier struct {
	dispatcher *notification.Dispatcher
}

func NewDispatchNotifier(d *notification.Dispatcher) *DispatchNotifier {
	return &DispatchNotifier{dispatcher: d}
}

func (n *DispatchNotifier) Notify(ctx context.Context, correlationID string, ev *ResourceAcquired) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode resource acquired event: %w", err)
	}
	kind := notification.KindResourceAcquired
	if ev.AcquisitionComplete {
		kind = notification.KindAcquisitionComplete
	}
	m := notification.NewMessage(kind, correlationID, body)
	m.TraceID = telemetry.TraceID(ctx)
	m.Headers["facility_id"] = ev.FacilityID
	m.Headers["correlation_id"] = correlationID
	if len(ev.ScheduledReports) > 0 {
		m.Headers["report_tracking_id"] = ev.ScheduledReports[0].ReportTrackingID
	}
	return n.dispatcher.Send(ctx, m)
}
