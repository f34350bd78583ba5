package reference

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
)

// FrontCache is a fast shared cache in front of a Store.
// *cache.ReferenceCache implements it.
type FrontCache interface {
	Get(ctx context.Context, facilityID, resourceType, id string) ([]byte, bool, error)
	Set(ctx context.Context, facilityID, resourceType, id string, data []byte) error
}

// CachedStore reads through a FrontCache. Cache failures degrade to the
// backing store.
type CachedStore struct {
	store  Store
	front  FrontCache
	logger zerolog.Logger
}

func NewCachedStore(store Store, front FrontCache, logger zerolog.Logger) *CachedStore {
	return &CachedStore{store: store, front: front, logger: logger}
}

func (s *CachedStore) Get(ctx context.Context, facilityID, resourceType, id string) (*Resource, error) {
	data, ok, err := s.front.Get(ctx, facilityID, resourceType, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("facility_id", facilityID).Msg("reference front cache read failed")
	}
	if ok {
		var r Resource
		if err := json.Unmarshal(data, &r); err == nil {
			return &r, nil
		}
	}

	r, err := s.store.Get(ctx, facilityID, resourceType, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, r)
	return r, nil
}

func (s *CachedStore) Upsert(ctx context.Context, r *Resource) error {
	if err := s.store.Upsert(ctx, r); err != nil {
		return err
	}
	s.fill(ctx, r)
	return nil
}

func (s *CachedStore) fill(ctx context.Context, r *Resource) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.front.Set(ctx, r.FacilityID, r.ResourceType, r.ResourceID, data); err != nil {
		s.logger.Warn().Err(err).Str("facility_id", r.FacilityID).Msg("reference front cache write failed")
	}
}
