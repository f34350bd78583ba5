package endpoint

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("facility endpoint not found")

type Repository interface {
	Get(ctx context.Context, facilityID string) (*FacilityEndpoint, error)
	List(ctx context.Context, limit, offset int) ([]*FacilityEndpoint, int, error)
	Upsert(ctx context.Context, e *FacilityEndpoint) error
}
