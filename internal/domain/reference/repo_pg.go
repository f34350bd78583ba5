package reference

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/acquisition/internal/platform/db"
)

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

func (s *storePG) Get(ctx context.Context, facilityID, resourceType, id string) (*Resource, error) {
	var (
		r      Resource
		unitID *string
	)
	err := db.From(ctx, s.pool).QueryRow(ctx, `
		SELECT id, facility_id, resource_type, resource_id, data, acquisition_unit_id, created_at, updated_at
		FROM reference_resource
		WHERE facility_id = $1 AND resource_type = $2 AND resource_id = $3`,
		facilityID, resourceType, id,
	).Scan(&r.ID, &r.FacilityID, &r.ResourceType, &r.ResourceID, &r.Data, &unitID, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if unitID != nil {
		r.UnitID = *unitID
	}
	return &r, nil
}

func (s *storePG) Upsert(ctx context.Context, r *Resource) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return db.From(ctx, s.pool).QueryRow(ctx, `
		INSERT INTO reference_resource (id, facility_id, resource_type, resource_id, data, acquisition_unit_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (facility_id, resource_type, resource_id) DO UPDATE SET
			data = EXCLUDED.data,
			acquisition_unit_id = COALESCE(EXCLUDED.acquisition_unit_id, reference_resource.acquisition_unit_id),
			updated_at = now()
		RETURNING id, created_at, updated_at`,
		r.ID, r.FacilityID, r.ResourceType, r.ResourceID, []byte(r.Data), r.UnitID,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
}
