package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhir"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

var errMissing = errors.New("not found on the remote server")

// Job is one batch of acquired resources whose references should be
// chased. Parent must be the Processing unit that acquired them.
type Job struct {
	Endpoint  fhirclient.Endpoint
	Parent    *acquisition.Unit
	Resources []json.RawMessage
	Queries   []*queryplan.ReferenceQuery
}

// Result summarises one Resolve call.
type Result struct {
	Linked  []string `json:"linked"`
	Cached  int      `json:"cached"`
	Fetched int      `json:"fetched"`
	Missing int      `json:"missing"`
	Failed  int      `json:"failed"`
}

// Resolver fetches reference targets that are not yet stored. Each distinct
// target is fetched once even when several parents, possibly in concurrent
// requests, reference it at the same time.
type Resolver struct {
	exec        *acquisition.Executor
	units       acquisition.Repository
	store       Store
	notifier    acquisition.Notifier
	logger      zerolog.Logger
	metrics     *telemetry.TelemetryProvider
	concurrency int
	now         func() time.Time
	flight      singleflight.Group
}

type ResolverOption func(*Resolver)

func WithLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

func WithTelemetry(tp *telemetry.TelemetryProvider) ResolverOption {
	return func(r *Resolver) { r.metrics = tp }
}

// WithConcurrency bounds the reads in flight for one Resolve call.
func WithConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func NewResolver(exec *acquisition.Executor, units acquisition.Repository, store Store, notifier acquisition.Notifier, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		exec:        exec,
		units:       units,
		store:       store,
		notifier:    notifier,
		logger:      zerolog.Nop(),
		concurrency: 4,
		now:         time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Types returns the resource types the queries chase.
func Types(queries []*queryplan.ReferenceQuery) []string {
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		out = append(out, q.ResourceType)
	}
	return out
}

// resolution collects per-call results; goroutines write to it under mu and
// Resolve applies it to the parent when they are done.
type resolution struct {
	mu     sync.Mutex
	res    Result
	notes  []string
	cached map[string][]json.RawMessage
}

func (s *resolution) link(key string) {
	s.mu.Lock()
	s.res.Linked = append(s.res.Linked, key)
	s.mu.Unlock()
}

func (s *resolution) note(format string, args ...any) {
	s.mu.Lock()
	s.notes = append(s.notes, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *resolution) count(f func(*Result)) {
	s.mu.Lock()
	f(&s.res)
	s.mu.Unlock()
}

// Resolve chases the references in job. It never fails the parent: every
// problem becomes a note on it.
func (r *Resolver) Resolve(ctx context.Context, job Job) Result {
	byType := make(map[string]*queryplan.ReferenceQuery, len(job.Queries))
	for _, q := range job.Queries {
		byType[strings.ToLower(q.ResourceType)] = q
	}
	types := Types(job.Queries)

	seen := make(map[fhir.ResourceRef]bool)
	var refs []fhir.ResourceRef
	for _, raw := range job.Resources {
		for _, ref := range fhir.ExtractReferences(raw, types) {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	if len(refs) == 0 {
		return Result{}
	}

	st := &resolution{cached: make(map[string][]json.RawMessage)}
	parent := job.Parent
	log := r.logger.With().
		Str("unit_id", parent.ID).
		Str("facility_id", parent.FacilityID).
		Str("correlation_id", parent.CorrelationID).
		Logger()

	var toRead []fhir.ResourceRef
	toSearch := make(map[string][]string)
	var searchOrder []string
	for _, ref := range refs {
		if res, ok := r.lookup(ctx, parent.FacilityID, ref, log); ok {
			st.link(ref.String())
			st.cached[res.ResourceType] = append(st.cached[res.ResourceType], res.Data)
			st.res.Cached++
			continue
		}
		q := byType[strings.ToLower(ref.ResourceType)]
		if q.Operation == queryplan.OperationSearch {
			if _, ok := toSearch[ref.ResourceType]; !ok {
				searchOrder = append(searchOrder, ref.ResourceType)
			}
			toSearch[ref.ResourceType] = append(toSearch[ref.ResourceType], ref.ID)
			continue
		}
		toRead = append(toRead, ref)
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, ref := range toRead {
		ref := ref
		g.Go(func() error {
			r.read(ctx, job, ref, st, log)
			return nil
		})
	}
	for _, rt := range searchOrder {
		rt := rt
		q := byType[strings.ToLower(rt)]
		for _, batch := range queryplan.Chunk(toSearch[rt], q.BatchSize()) {
			batch := batch
			g.Go(func() error {
				r.search(ctx, job, rt, batch, st, log)
				return nil
			})
		}
	}
	_ = g.Wait()

	for rt, resources := range st.cached {
		ev := acquisition.BatchEvent(parent, resources)
		ev.ResourceType = rt
		if err := r.notifier.Notify(ctx, parent.CorrelationID, ev); err != nil {
			st.note("Reference notification for cached %s failed: %v", rt, err)
			log.Error().Err(err).Str("resource_type", rt).Msg("cached reference notification failed")
		}
	}

	now := r.now()
	parent.AddReferences(st.res.Linked...)
	for _, n := range st.notes {
		parent.AddNote(now, "%s", n)
	}
	return st.res
}

// lookup treats store errors as misses so a store outage costs a refetch,
// not the reference.
func (r *Resolver) lookup(ctx context.Context, facilityID string, ref fhir.ResourceRef, log zerolog.Logger) (*Resource, bool) {
	res, err := r.store.Get(ctx, facilityID, ref.ResourceType, ref.ID)
	if err == nil {
		r.metrics.ReferenceLookup(true)
		return res, true
	}
	if !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Str("reference", ref.String()).Msg("reference store lookup failed")
	}
	r.metrics.ReferenceLookup(false)
	return nil, false
}

// read fetches one target. Concurrent reads of the same target share one
// remote call; only the caller that made it owns the unit and the
// notification, the others link the stored result as a cache hit.
func (r *Resolver) read(ctx context.Context, job Job, ref fhir.ResourceRef, st *resolution, log zerolog.Logger) {
	parent := job.Parent
	key := parent.FacilityID + "|" + ref.String()
	owner := false
	v, err, _ := r.flight.Do(key, func() (any, error) {
		owner = true
		if res, err := r.store.Get(ctx, parent.FacilityID, ref.ResourceType, ref.ID); err == nil {
			owner = false
			return res, nil
		}
		return r.fetch(ctx, job, ref, log)
	})
	switch {
	case errors.Is(err, errMissing):
		st.count(func(res *Result) { res.Missing++ })
		st.note("Reference %s not found on the remote server", ref)
		return
	case err != nil:
		st.count(func(res *Result) { res.Failed++ })
		st.note("Reference resolution failed for %s: %v", ref, err)
		log.Warn().Err(err).Str("reference", ref.String()).Msg("reference resolution failed")
		return
	}
	res := v.(*Resource)
	st.link(ref.String())
	if owner {
		st.count(func(out *Result) { out.Fetched++ })
		return
	}
	st.mu.Lock()
	st.cached[res.ResourceType] = append(st.cached[res.ResourceType], res.Data)
	st.res.Cached++
	st.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, job Job, ref fhir.ResourceRef, log zerolog.Logger) (*Resource, error) {
	u := r.childUnit(job.Parent, ref.ResourceType, acquisition.QueryRead, "ref:"+ref.String())
	if err := r.units.Create(ctx, u); err != nil {
		return nil, errs.Reference("create reference unit", err)
	}
	raw, err := r.exec.ExecuteSingular(ctx, job.Endpoint, u, acquisition.Query{
		ResourceType: ref.ResourceType,
		ID:           ref.ID,
		AllowMissing: true,
	})
	if err != nil {
		return nil, errs.Reference("read "+ref.String(), err)
	}
	if raw == nil {
		return nil, errMissing
	}
	res := &Resource{
		FacilityID:   job.Parent.FacilityID,
		ResourceType: ref.ResourceType,
		ResourceID:   ref.ID,
		Data:         raw,
		UnitID:       u.ID,
	}
	if err := r.store.Upsert(ctx, res); err != nil {
		log.Error().Err(err).Str("reference", ref.String()).Msg("storing reference resource failed")
	}
	if err := r.notifier.Notify(ctx, u.CorrelationID, acquisition.BatchEvent(u, []json.RawMessage{raw})); err != nil {
		log.Error().Err(err).Str("unit_id", u.ID).Msg("reference notification failed")
	}
	return res, nil
}

// search fetches a batch of targets of one type with an _id search.
func (r *Resolver) search(ctx context.Context, job Job, resourceType string, ids []string, st *resolution, log zerolog.Logger) {
	joined := strings.Join(ids, ",")
	u := r.childUnit(job.Parent, resourceType, acquisition.QuerySearch, "ref:"+resourceType+"?_id="+joined)
	if err := r.units.Create(ctx, u); err != nil {
		st.count(func(res *Result) { res.Failed += len(ids) })
		st.note("Reference resolution failed for %s?_id=%s: %v", resourceType, joined, err)
		return
	}
	found := make(map[string]bool, len(ids))
	err := r.exec.ExecutePaged(ctx, job.Endpoint, u, acquisition.Query{
		ResourceType: resourceType,
		Params:       []url.Values{{"_id": {joined}}},
	}, func(p acquisition.Page) error {
		for i, raw := range p.Resources {
			h, err := fhir.Header(raw)
			if err != nil || !strings.EqualFold(h.ResourceType, resourceType) {
				continue
			}
			res := &Resource{
				FacilityID:   u.FacilityID,
				ResourceType: h.ResourceType,
				ResourceID:   h.ID,
				Data:         raw,
				UnitID:       u.ID,
			}
			if err := r.store.Upsert(ctx, res); err != nil {
				log.Error().Err(err).Str("reference", p.Keys[i]).Msg("storing reference resource failed")
			}
			found[h.ID] = true
			st.link(p.Keys[i])
		}
		if len(p.Resources) == 0 {
			return nil
		}
		return r.notifier.Notify(ctx, u.CorrelationID, acquisition.BatchEvent(u, p.Resources))
	})
	if err != nil {
		st.count(func(res *Result) { res.Failed += len(ids) - len(found) })
		st.note("Reference resolution failed for %s?_id=%s: %v", resourceType, joined, err)
		log.Warn().Err(err).Str("resource_type", resourceType).Msg("reference search failed")
		return
	}
	st.count(func(res *Result) { res.Fetched += len(found) })
	for _, id := range ids {
		if !found[id] {
			st.count(func(res *Result) { res.Missing++ })
			st.note("Reference %s not found on the remote server", fhir.FormatReference(resourceType, id))
		}
	}
}

func (r *Resolver) childUnit(parent *acquisition.Unit, resourceType string, qt acquisition.QueryType, stepKey string) *acquisition.Unit {
	u := acquisition.NewUnit()
	u.FacilityID = parent.FacilityID
	u.PatientID = parent.PatientID
	u.CorrelationID = parent.CorrelationID
	u.ReportableEvent = parent.ReportableEvent
	u.Priority = parent.Priority
	u.QueryPhase = parent.QueryPhase
	u.ScheduledReport = parent.ScheduledReport
	u.TraceID = parent.TraceID
	u.ResourceType = resourceType
	u.QueryType = qt
	u.StepKey = stepKey
	u.IsReference = true
	u.ParentID = parent.ID
	return u
}
