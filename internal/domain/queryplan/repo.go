package queryplan

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("query plan not found")

type Repository interface {
	Get(ctx context.Context, facilityID string, freq Frequency) (*QueryPlan, error)
	ListByFacility(ctx context.Context, facilityID string) ([]*QueryPlan, error)
	// Upsert stores p, replacing any plan for the same facility and frequency.
	Upsert(ctx context.Context, p *QueryPlan) error
}
