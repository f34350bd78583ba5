// Package reference stores fetched reference targets (Locations,
// Practitioners, ...) and resolves the references found in acquired
// resources, fetching each distinct target at most once per facility.
package reference

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ehr/acquisition/internal/platform/fhir"
)

var ErrNotFound = errors.New("reference resource not found")

// Resource is a cached reference target.
type Resource struct {
	ID           string          `json:"id"`
	FacilityID   string          `json:"facilityId"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId"`
	Data         json.RawMessage `json:"data"`
	UnitID       string          `json:"acquisitionUnitId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Key returns "Type/id".
func (r *Resource) Key() string {
	return fhir.FormatReference(r.ResourceType, r.ResourceID)
}

// Store persists reference targets keyed by (facility, type, id).
type Store interface {
	Get(ctx context.Context, facilityID, resourceType, id string) (*Resource, error)
	Upsert(ctx context.Context, r *Resource) error
}
