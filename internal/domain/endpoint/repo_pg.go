package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const epCols = `facility_id, base_url, auth, max_concurrent_requests, min_pull_time, max_pull_time,
	created_at, updated_at`

func scanEndpoint(row pgx.Row) (*FacilityEndpoint, error) {
	var (
		e        FacilityEndpoint
		authJSON []byte
		min, max *string
	)
	if err := row.Scan(&e.FacilityID, &e.BaseURL, &authJSON, &e.MaxConcurrentRequests, &min, &max,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if len(authJSON) > 0 && string(authJSON) != "null" {
		e.Auth = &auth.Configuration{}
		if err := json.Unmarshal(authJSON, e.Auth); err != nil {
			return nil, fmt.Errorf("decode authentication for %s: %w", e.FacilityID, err)
		}
	}
	if min != nil {
		e.MinPullTime = *min
	}
	if max != nil {
		e.MaxPullTime = *max
	}
	return &e, nil
}

func (r *repoPG) Get(ctx context.Context, facilityID string) (*FacilityEndpoint, error) {
	e, err := scanEndpoint(db.From(ctx, r.pool).QueryRow(ctx,
		`SELECT `+epCols+` FROM facility_endpoint WHERE facility_id = $1`, facilityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*FacilityEndpoint, int, error) {
	q := db.From(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM facility_endpoint`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := q.Query(ctx, `SELECT `+epCols+` FROM facility_endpoint ORDER BY facility_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*FacilityEndpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Upsert(ctx context.Context, e *FacilityEndpoint) error {
	authJSON, err := json.Marshal(e.Auth)
	if err != nil {
		return err
	}
	return db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO facility_endpoint (facility_id, base_url, auth, max_concurrent_requests, min_pull_time, max_pull_time)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
		ON CONFLICT (facility_id) DO UPDATE SET
			base_url = EXCLUDED.base_url,
			auth = EXCLUDED.auth,
			max_concurrent_requests = EXCLUDED.max_concurrent_requests,
			min_pull_time = EXCLUDED.min_pull_time,
			max_pull_time = EXCLUDED.max_pull_time,
			updated_at = NOW()
		RETURNING created_at, updated_at`,
		e.FacilityID, e.BaseURL, authJSON, e.MaxConcurrentRequests, e.MinPullTime, e.MaxPullTime,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}
