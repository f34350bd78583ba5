package acquisition

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-process Repository with the same concurrency
// guarantees as the PostgreSQL one.
type MemoryRepo struct {
	mu    sync.Mutex
	units map[string]*Unit
	seq   map[string]int
	next  int
	now   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		units: make(map[string]*Unit),
		seq:   make(map[string]int),
		now:   time.Now,
	}
}

func (r *MemoryRepo) Create(_ context.Context, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = NewUnit().ID
	}
	if !u.IsReference {
		for _, cur := range r.units {
			if !cur.IsReference && sameAttempt(cur, u) {
				return ErrDuplicate
			}
		}
	}
	now := r.now().UTC()
	u.Version = 1
	u.CreatedAt = now
	u.UpdatedAt = now
	r.next++
	r.seq[u.ID] = r.next
	r.units[u.ID] = u.Clone()
	return nil
}

func sameAttempt(a, b *Unit) bool {
	return a.CorrelationID == b.CorrelationID &&
		a.ScheduledReport.ReportTrackingID == b.ScheduledReport.ReportTrackingID &&
		a.StepKey == b.StepKey &&
		a.RetryAttempts == b.RetryAttempts
}

func (r *MemoryRepo) Update(_ context.Context, u *Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.units[u.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != u.Version {
		return ErrVersionConflict
	}
	u.Version++
	u.UpdatedAt = r.now().UTC()
	r.units[u.ID] = u.Clone()
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id string) (*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.units[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u.Clone(), nil
}

// sorted returns units newest first.
func (r *MemoryRepo) sorted() []*Unit {
	out := make([]*Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return r.seq[out[i].ID] > r.seq[out[j].ID] })
	return out
}

func (r *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Unit, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*Unit
	for _, u := range r.sorted() {
		if f.Matches(u) {
			matched = append(matched, u)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Unit, 0, end-offset)
	for _, u := range matched[offset:end] {
		out = append(out, u.Clone())
	}
	return out, total, nil
}

func (r *MemoryRepo) LatestForStep(_ context.Context, correlationID, reportTrackingID, stepKey string) (*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.sorted() {
		if u.CorrelationID == correlationID && u.ScheduledReport.ReportTrackingID == reportTrackingID && u.StepKey == stepKey {
			return u.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepo) ListStale(_ context.Context, cutoff time.Time, limit int) ([]*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Unit
	for _, u := range r.sorted() {
		if !u.Status.Terminal() && u.UpdatedAt.Before(cutoff) {
			out = append(out, u.Clone())
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *MemoryRepo) EligibleGroups(_ context.Context, limit int) ([]*Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.eligibleLocked(limit), nil
}

func (r *MemoryRepo) eligibleLocked(limit int) []*Group {
	groups := make(map[GroupKey]*Group)
	blocked := make(map[GroupKey]bool)
	var order []GroupKey
	units := r.sorted()
	// oldest first so the group's patient and trace come from its first unit
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		k := u.Key()
		if !u.Status.Terminal() || u.TailSent {
			blocked[k] = true
		}
		g, ok := groups[k]
		if !ok {
			g = &Group{
				Key:             k,
				PatientID:       u.PatientID,
				ReportableEvent: u.ReportableEvent,
				ScheduledReport: u.ScheduledReport,
				TraceID:         u.TraceID,
			}
			groups[k] = g
			order = append(order, k)
		}
		g.Units = append(g.Units, UnitVersion{ID: u.ID, Version: u.Version})
	}
	var out []*Group
	for _, k := range order {
		if blocked[k] {
			continue
		}
		out = append(out, groups[k])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *MemoryRepo) MarkTailSent(ctx context.Context, g *Group, emit func(ctx context.Context) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := 0
	for _, u := range r.units {
		if u.Key() == g.Key {
			members++
		}
	}
	if members != len(g.Units) {
		return false, nil
	}
	for _, uv := range g.Units {
		u, ok := r.units[uv.ID]
		if !ok || u.Version != uv.Version || u.TailSent || !u.Status.Terminal() {
			return false, nil
		}
	}
	if err := emit(ctx); err != nil {
		return false, err
	}
	now := r.now().UTC()
	for _, uv := range g.Units {
		u := r.units[uv.ID]
		u.TailSent = true
		u.AddNote(now, TailNote)
		u.Version++
		u.UpdatedAt = now
	}
	return true, nil
}

var _ Repository = (*MemoryRepo)(nil)
