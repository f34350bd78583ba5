package queryplan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/acquisition/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const planCols = `id, facility_id, plan_name, ehr_description, look_back, frequency,
	initial_queries, supplemental_queries, created_at, updated_at`

func scanPlan(row pgx.Row) (*QueryPlan, error) {
	var (
		p                     QueryPlan
		desc                  *string
		initial, supplemental []byte
	)
	if err := row.Scan(&p.ID, &p.FacilityID, &p.PlanName, &desc, &p.LookBack, &p.Frequency,
		&initial, &supplemental, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if desc != nil {
		p.EHRDescription = *desc
	}
	if err := json.Unmarshal(initial, &p.InitialQueries); err != nil {
		return nil, fmt.Errorf("decode initial queries of plan %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(supplemental, &p.SupplementalQueries); err != nil {
		return nil, fmt.Errorf("decode supplemental queries of plan %s: %w", p.ID, err)
	}
	return &p, nil
}

func (r *repoPG) Get(ctx context.Context, facilityID string, freq Frequency) (*QueryPlan, error) {
	p, err := scanPlan(db.From(ctx, r.pool).QueryRow(ctx,
		`SELECT `+planCols+` FROM query_plan WHERE facility_id = $1 AND frequency = $2`, facilityID, freq))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *repoPG) ListByFacility(ctx context.Context, facilityID string) ([]*QueryPlan, error) {
	rows, err := db.From(ctx, r.pool).Query(ctx,
		`SELECT `+planCols+` FROM query_plan WHERE facility_id = $1 ORDER BY frequency`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QueryPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) Upsert(ctx context.Context, p *QueryPlan) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	initial, err := json.Marshal(p.InitialQueries)
	if err != nil {
		return err
	}
	supplemental, err := json.Marshal(p.SupplementalQueries)
	if err != nil {
		return err
	}
	return db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO query_plan (id, facility_id, plan_name, ehr_description, look_back, frequency,
			initial_queries, supplemental_queries)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (facility_id, frequency) DO UPDATE SET
			plan_name = EXCLUDED.plan_name,
			ehr_description = EXCLUDED.ehr_description,
			look_back = EXCLUDED.look_back,
			initial_queries = EXCLUDED.initial_queries,
			supplemental_queries = EXCLUDED.supplemental_queries,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		p.ID, p.FacilityID, p.PlanName, p.EHRDescription, p.lookBack(), p.Frequency,
		initial, supplemental).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}
