package endpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/acquisition/internal/platform/errs"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Endpoint returns the validated endpoint for a facility. A missing or
// invalid endpoint is a configuration error.
func (s *Service) Endpoint(ctx context.Context, facilityID string) (*FacilityEndpoint, error) {
	e, err := s.repo.Get(ctx, facilityID)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.New(errs.KindConfiguration, "load endpoint", fmt.Errorf("facility %s: %w", facilityID, ErrNotFound))
	}
	if err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) ListEndpoints(ctx context.Context, limit, offset int) ([]*FacilityEndpoint, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SaveEndpoint(ctx context.Context, e *FacilityEndpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return s.repo.Upsert(ctx, e)
}
