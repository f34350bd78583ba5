package queryplan

import (
	"context"
	"errors"

	"github.com/ehr/acquisition/internal/platform/errs"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Plan returns the validated plan for a facility and frequency. A missing or
// invalid plan is a configuration error.
func (s *Service) Plan(ctx context.Context, facilityID string, freq Frequency) (*QueryPlan, error) {
	p, err := s.repo.Get(ctx, facilityID, freq)
	if errors.Is(err, ErrNotFound) {
		return nil, errs.New(errs.KindConfiguration, "load query plan",
			errors.Join(ErrNotFound, errors.New("no "+string(freq)+" plan for facility "+facilityID)))
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) ListPlans(ctx context.Context, facilityID string) ([]*QueryPlan, error) {
	return s.repo.ListByFacility(ctx, facilityID)
}

// SavePlan validates and stores p.
func (s *Service) SavePlan(ctx context.Context, p *QueryPlan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.repo.Upsert(ctx, p)
}
