package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/acquisition/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const unitCols = `id, facility_id, patient_id, correlation_id, reportable_event, priority,
	resource_type, query_type, query_phase, step_key, status, retry_attempts,
	execution_date, completion_date, completion_time_ms,
	acquired_resource_ids, reference_resource_ids,
	report_tracking_id, report_start, report_end, report_frequency, report_types,
	tail_sent, notes, is_reference, parent_id, supersedes, trace_id,
	version, created_at, updated_at`

func scanUnit(row pgx.Row) (*Unit, error) {
	var (
		u                    Unit
		notes                []byte
		parentID, supersedes *string
	)
	err := row.Scan(&u.ID, &u.FacilityID, &u.PatientID, &u.CorrelationID, &u.ReportableEvent, &u.Priority,
		&u.ResourceType, &u.QueryType, &u.QueryPhase, &u.StepKey, &u.Status, &u.RetryAttempts,
		&u.ExecutionDate, &u.CompletionDate, &u.CompletionTimeMs,
		&u.AcquiredResourceIDs, &u.ReferenceResourceIDs,
		&u.ScheduledReport.ReportTrackingID, &u.ScheduledReport.StartDate, &u.ScheduledReport.EndDate,
		&u.ScheduledReport.Frequency, &u.ScheduledReport.ReportTypes,
		&u.TailSent, &notes, &u.IsReference, &parentID, &supersedes, &u.TraceID,
		&u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(notes, &u.Notes); err != nil {
		return nil, fmt.Errorf("decode notes of unit %s: %w", u.ID, err)
	}
	if parentID != nil {
		u.ParentID = *parentID
	}
	if supersedes != nil {
		u.Supersedes = *supersedes
	}
	return &u, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func notesJSON(notes []Note) ([]byte, error) {
	if notes == nil {
		notes = []Note{}
	}
	return json.Marshal(notes)
}

func (r *repoPG) Create(ctx context.Context, u *Unit) error {
	if u.ID == "" {
		u.ID = NewUnit().ID
	}
	notes, err := notesJSON(u.Notes)
	if err != nil {
		return err
	}
	err = db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO acquisition_unit (id, facility_id, patient_id, correlation_id, reportable_event, priority,
			resource_type, query_type, query_phase, step_key, status, retry_attempts,
			execution_date, completion_date, completion_time_ms,
			acquired_resource_ids, reference_resource_ids,
			report_tracking_id, report_start, report_end, report_frequency, report_types,
			tail_sent, notes, is_reference, parent_id, supersedes, trace_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
		RETURNING version, created_at, updated_at`,
		u.ID, u.FacilityID, u.PatientID, u.CorrelationID, u.ReportableEvent, u.Priority,
		u.ResourceType, u.QueryType, u.QueryPhase, u.StepKey, u.Status, u.RetryAttempts,
		u.ExecutionDate, u.CompletionDate, u.CompletionTimeMs,
		nonNil(u.AcquiredResourceIDs), nonNil(u.ReferenceResourceIDs),
		u.ScheduledReport.ReportTrackingID, u.ScheduledReport.StartDate, u.ScheduledReport.EndDate,
		u.ScheduledReport.Frequency, nonNil(u.ScheduledReport.ReportTypes),
		u.TailSent, notes, u.IsReference, nullable(u.ParentID), nullable(u.Supersedes), u.TraceID,
	).Scan(&u.Version, &u.CreatedAt, &u.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == stepAttemptIndex {
		return ErrDuplicate
	}
	return err
}

// stepAttemptIndex is the partial unique index guarding plan step units.
const stepAttemptIndex = "uq_acquisition_unit_step_attempt"

func (r *repoPG) Update(ctx context.Context, u *Unit) error {
	notes, err := notesJSON(u.Notes)
	if err != nil {
		return err
	}
	q := db.From(ctx, r.pool)
	err = q.QueryRow(ctx, `
		UPDATE acquisition_unit SET status=$3, retry_attempts=$4,
			execution_date=$5, completion_date=$6, completion_time_ms=$7,
			acquired_resource_ids=$8, reference_resource_ids=$9, notes=$10,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		u.ID, u.Version, u.Status, u.RetryAttempts,
		u.ExecutionDate, u.CompletionDate, u.CompletionTimeMs,
		nonNil(u.AcquiredResourceIDs), nonNil(u.ReferenceResourceIDs), notes,
	).Scan(&u.Version, &u.UpdatedAt)
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM acquisition_unit WHERE id = $1)`, u.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (r *repoPG) GetByID(ctx context.Context, id string) (*Unit, error) {
	u, err := scanUnit(db.From(ctx, r.pool).QueryRow(ctx, `SELECT `+unitCols+` FROM acquisition_unit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (f Filter) where() (string, []interface{}) {
	clause := ` WHERE 1=1`
	var args []interface{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		clause += fmt.Sprintf(` AND %s = $%d`, col, len(args))
	}
	if f.FacilityID != "" {
		add("facility_id", f.FacilityID)
	}
	if f.PatientID != "" {
		add("patient_id", f.PatientID)
	}
	if f.ResourceType != "" {
		args = append(args, f.ResourceType)
		clause += fmt.Sprintf(` AND lower(resource_type) = lower($%d)`, len(args))
	}
	if f.CorrelationID != "" {
		add("correlation_id", f.CorrelationID)
	}
	if f.ReportTrackingID != "" {
		add("report_tracking_id", f.ReportTrackingID)
	}
	if f.QueryPhase != "" {
		add("query_phase", f.QueryPhase)
	}
	if f.QueryType != "" {
		add("query_type", f.QueryType)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	return clause, args
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Unit, int, error) {
	q := db.From(ctx, r.pool)
	where, args := f.where()

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM acquisition_unit`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, `SELECT `+unitCols+` FROM acquisition_unit`+where+
		fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectUnits(rows)
	return items, total, err
}

func collectUnits(rows pgx.Rows) ([]*Unit, error) {
	defer rows.Close()
	var items []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *repoPG) LatestForStep(ctx context.Context, correlationID, reportTrackingID, stepKey string) (*Unit, error) {
	u, err := scanUnit(db.From(ctx, r.pool).QueryRow(ctx, `
		SELECT `+unitCols+` FROM acquisition_unit
		WHERE correlation_id = $1 AND report_tracking_id = $2 AND step_key = $3
		ORDER BY created_at DESC, retry_attempts DESC
		LIMIT 1`, correlationID, reportTrackingID, stepKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (r *repoPG) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Unit, error) {
	rows, err := db.From(ctx, r.pool).Query(ctx, `
		SELECT `+unitCols+` FROM acquisition_unit
		WHERE status IN ('Pending', 'Ready', 'Processing') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return collectUnits(rows)
}

const groupCols = `facility_id, correlation_id, report_tracking_id, report_start, report_end, query_phase`

func (r *repoPG) EligibleGroups(ctx context.Context, limit int) ([]*Group, error) {
	q := db.From(ctx, r.pool)
	rows, err := q.Query(ctx, `
		SELECT `+groupCols+` FROM acquisition_unit
		WHERE (`+groupCols+`) IN (
			SELECT DISTINCT `+groupCols+` FROM acquisition_unit WHERE tail_sent = false)
		GROUP BY `+groupCols+`
		HAVING bool_and(status IN ('Completed', 'Failed')) AND NOT bool_or(tail_sent)
		ORDER BY max(updated_at)
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	var keys []GroupKey
	for rows.Next() {
		var k GroupKey
		if err := rows.Scan(&k.FacilityID, &k.CorrelationID, &k.ReportTrackingID, &k.ReportStart, &k.ReportEnd, &k.QueryPhase); err != nil {
			rows.Close()
			return nil, err
		}
		k.ReportStart, k.ReportEnd = k.ReportStart.UTC(), k.ReportEnd.UTC()
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make([]*Group, 0, len(keys))
	for _, k := range keys {
		g, err := r.loadGroup(ctx, q, k)
		if err != nil {
			return nil, err
		}
		if g != nil {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

func (r *repoPG) loadGroup(ctx context.Context, q db.Querier, k GroupKey) (*Group, error) {
	rows, err := q.Query(ctx, `
		SELECT id, version, patient_id, reportable_event, report_frequency, report_types, trace_id
		FROM acquisition_unit
		WHERE facility_id = $1 AND correlation_id = $2 AND report_tracking_id = $3
			AND report_start = $4 AND report_end = $5 AND query_phase = $6
		ORDER BY created_at`,
		k.FacilityID, k.CorrelationID, k.ReportTrackingID, k.ReportStart, k.ReportEnd, k.QueryPhase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var g *Group
	for rows.Next() {
		var (
			uv                              UnitVersion
			patientID, event, freq, traceID string
			types                           []string
		)
		if err := rows.Scan(&uv.ID, &uv.Version, &patientID, &event, &freq, &types, &traceID); err != nil {
			return nil, err
		}
		if g == nil {
			g = &Group{
				Key:             k,
				PatientID:       patientID,
				ReportableEvent: event,
				TraceID:         traceID,
				ScheduledReport: ScheduledReport{
					ReportTrackingID: k.ReportTrackingID,
					StartDate:        k.ReportStart,
					EndDate:          k.ReportEnd,
					Frequency:        freq,
					ReportTypes:      types,
				},
			}
		}
		g.Units = append(g.Units, uv)
	}
	return g, rows.Err()
}

var errTailLost = errors.New("tail race lost")

func (r *repoPG) MarkTailSent(ctx context.Context, g *Group, emit func(ctx context.Context) error) (bool, error) {
	ids := make([]string, len(g.Units))
	versions := make([]int32, len(g.Units))
	for i, uv := range g.Units {
		ids[i] = uv.ID
		versions[i] = int32(uv.Version)
	}

	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := db.From(ctx, r.pool)
		tag, err := q.Exec(ctx, `
			UPDATE acquisition_unit u SET
				tail_sent = true,
				version = u.version + 1,
				updated_at = NOW(),
				notes = u.notes || jsonb_build_array(jsonb_build_object('at', NOW(), 'text', $3::text))
			FROM unnest($1::text[], $2::int[]) AS g(id, version)
			WHERE u.id = g.id AND u.version = g.version
				AND u.tail_sent = false AND u.status IN ('Completed', 'Failed')`,
			ids, versions, TailNote)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(ids)) {
			return errTailLost
		}

		var members int
		k := g.Key
		if err := q.QueryRow(ctx, `
			SELECT COUNT(*) FROM acquisition_unit
			WHERE facility_id = $1 AND correlation_id = $2 AND report_tracking_id = $3
				AND report_start = $4 AND report_end = $5 AND query_phase = $6`,
			k.FacilityID, k.CorrelationID, k.ReportTrackingID, k.ReportStart, k.ReportEnd, k.QueryPhase,
		).Scan(&members); err != nil {
			return err
		}
		if members != len(ids) {
			return errTailLost
		}
		return emit(ctx)
	})
	if errors.Is(err, errTailLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
