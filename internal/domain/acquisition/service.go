package acquisition

import "context"

// Service exposes acquisition units for audit.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetUnit(ctx context.Context, id string) (*Unit, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListUnits(ctx context.Context, f Filter, limit, offset int) ([]*Unit, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// TailEligible lists groups that the next sweep would signal.
func (s *Service) TailEligible(ctx context.Context, limit int) ([]*Group, error) {
	return s.repo.EligibleGroups(ctx, limit)
}
