// Package orchestrator runs a facility's query plan for one work item:
// validation of the facility connection, then the plan's steps in order,
// each recorded as an acquisition unit.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/endpoint"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/domain/reference"
	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// Endpoints loads validated facility endpoints. *endpoint.Service
// implements it.
type Endpoints interface {
	Endpoint(ctx context.Context, facilityID string) (*endpoint.FacilityEndpoint, error)
}

// Plans loads validated query plans. *queryplan.Service implements it.
type Plans interface {
	Plan(ctx context.Context, facilityID string, freq queryplan.Frequency) (*queryplan.QueryPlan, error)
}

// Remote is the part of the FHIR client used for connectivity checks.
type Remote interface {
	Capabilities(ctx context.Context, ep fhirclient.Endpoint) (json.RawMessage, error)
	Read(ctx context.Context, ep fhirclient.Endpoint, resourceType, id string) (json.RawMessage, error)
}

// References chases references in acquired pages. *reference.Resolver
// implements it.
type References interface {
	Resolve(ctx context.Context, job reference.Job) reference.Result
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Endpoints  Endpoints
	Plans      Plans
	Units      acquisition.Repository
	Executor   *acquisition.Executor
	References References
	Notifier   acquisition.Notifier
	Remote     Remote
	Logger     zerolog.Logger
	Metrics    *telemetry.TelemetryProvider
}

type Orchestrator struct {
	Deps
	now func() time.Time
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{Deps: d, now: time.Now}
}

// Outcome summarises one Acquire call.
type Outcome struct {
	TraceID        string   `json:"traceId"`
	Units          []string `json:"units"`
	Executed       int      `json:"executed"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	RetryScheduled bool     `json:"retryScheduled"`
}

// Acquire runs the plan for every scheduled report of req. Configuration
// problems fail the whole request before any unit is created; a failing step
// is recorded on its unit and the remaining steps still run.
func (o *Orchestrator) Acquire(ctx context.Context, req Request) (*Outcome, error) {
	if req.TraceID != "" {
		ctx = telemetry.WithTraceID(ctx, req.TraceID)
	}
	ctx, traceID := telemetry.EnsureTraceID(ctx)
	log := o.Logger.With().
		Str("facility_id", req.FacilityID).
		Str("patient_id", req.PatientID).
		Str("correlation_id", req.CorrelationID).
		Str("trace_id", traceID).
		Logger()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	ep, err := o.Endpoints.Endpoint(ctx, req.FacilityID)
	if err != nil {
		return nil, err
	}

	type run struct {
		report   acquisition.ScheduledReport
		plan     *queryplan.QueryPlan
		bindings *queryplan.Bindings
	}
	runs := make([]run, 0, len(req.ScheduledReports))
	for _, sr := range req.ScheduledReports {
		freq, _ := queryplan.ParseFrequency(sr.Frequency)
		plan, err := o.Plans.Plan(ctx, req.FacilityID, freq)
		if err != nil {
			return nil, err
		}
		lookBack, err := plan.LookBackDuration()
		if err != nil {
			return nil, errs.Configuration("load query plan", "plan %s: %v", plan.ID, err)
		}
		sr.Frequency = string(freq)
		runs = append(runs, run{
			report:   sr,
			plan:     plan,
			bindings: queryplan.Seed(req.PatientID, sr.StartDate, sr.EndDate, lookBack),
		})
	}

	out := &Outcome{TraceID: traceID}
	for _, r := range runs {
		rlog := log.With().Str("report_tracking_id", r.report.ReportTrackingID).Logger()
		if err := o.runPlan(ctx, req, traceID, ep, r.report, r.plan, r.bindings, out, rlog); err != nil {
			return out, err
		}
	}
	log.Info().
		Int("executed", out.Executed).
		Int("skipped", out.Skipped).
		Int("failed", out.Failed).
		Bool("retry_scheduled", out.RetryScheduled).
		Msg("acquisition finished")
	return out, nil
}

// pendingStep is a step that will run, with the unit it runs under.
type pendingStep struct {
	step  queryplan.PhasedStep
	query *queryplan.ParameterQuery
	unit  *acquisition.Unit
}

func (o *Orchestrator) runPlan(ctx context.Context, req Request, traceID string, ep *endpoint.FacilityEndpoint,
	report acquisition.ScheduledReport, plan *queryplan.QueryPlan, b *queryplan.Bindings, out *Outcome, log zerolog.Logger) error {

	steps := plan.StepsFor(req.QueryType)
	var refQueries []*queryplan.ReferenceQuery
	for _, s := range steps {
		if rq, ok := s.Config.(*queryplan.ReferenceQuery); ok {
			refQueries = append(refQueries, rq)
		}
	}

	// Every unit of the run exists before the first remote call so the
	// group cannot look complete while steps are still queued.
	var queued []pendingStep
	for _, s := range steps {
		pq, ok := s.Config.(*queryplan.ParameterQuery)
		if !ok {
			continue
		}
		u, run, err := o.claimStep(ctx, req, traceID, report, s, pq, b)
		if err != nil {
			return err
		}
		if u != nil {
			out.Units = append(out.Units, u.ID)
		}
		if !run {
			out.Skipped++
			continue
		}
		queued = append(queued, pendingStep{step: s, query: pq, unit: u})
	}

	client := ep.Client()
	for _, p := range queued {
		if err := ctx.Err(); err != nil {
			// Units not started yet fail with a retry so the group still
			// completes and the work item is redelivered.
			if o.Executor.Abort(ctx, p.unit, errs.Transient("run step", err)) {
				out.RetryScheduled = true
			}
			out.Failed++
			continue
		}
		err := o.runStep(ctx, client, p, b, refQueries, log)
		switch {
		case err == nil:
			out.Executed++
		default:
			out.Failed++
			if acquisition.WillRetry(err) {
				out.RetryScheduled = true
			}
			log.Warn().Err(err).Str("step", p.step.Key()).Str("unit_id", p.unit.ID).Msg("step failed")
		}
	}
	return nil
}

// claimStep finds or creates the unit for a step. Steps already completed
// by an earlier delivery are not run again but feed their acquired ids into
// the bindings; steps whose latest unit failed or is running elsewhere are
// skipped, as are steps a concurrent delivery created first.
func (o *Orchestrator) claimStep(ctx context.Context, req Request, traceID string, report acquisition.ScheduledReport,
	s queryplan.PhasedStep, pq *queryplan.ParameterQuery, b *queryplan.Bindings) (*acquisition.Unit, bool, error) {

	latest, err := o.Units.LatestForStep(ctx, req.CorrelationID, report.ReportTrackingID, s.Key())
	switch {
	case errors.Is(err, acquisition.ErrNotFound):
	case err != nil:
		return nil, false, fmt.Errorf("look up step %s: %w", s.Key(), err)
	default:
		switch latest.Status {
		case acquisition.StatusCompleted:
			b.AddKeys(latest.AcquiredResourceIDs...)
			return latest, false, nil
		case acquisition.StatusPending, acquisition.StatusReady:
			return latest, true, nil
		default:
			return latest, false, nil
		}
	}

	u := acquisition.NewUnit()
	u.FacilityID = req.FacilityID
	u.PatientID = req.PatientID
	u.CorrelationID = req.CorrelationID
	u.ReportableEvent = req.ReportableEvent
	u.Priority = req.Priority
	u.ResourceType = pq.ResourceType
	u.QueryType = acquisition.QuerySearch
	u.QueryPhase = req.QueryType
	u.StepKey = s.Key()
	u.ScheduledReport = report
	u.TraceID = traceID
	switch err := o.Units.Create(ctx, u); {
	case errors.Is(err, acquisition.ErrDuplicate):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("create unit for step %s: %w", s.Key(), err)
	}
	return u, true, nil
}

func (o *Orchestrator) runStep(ctx context.Context, client fhirclient.Endpoint, p pendingStep, b *queryplan.Bindings,
	refQueries []*queryplan.ReferenceQuery, log zerolog.Logger) error {

	u := p.unit
	params, err := p.query.Resolve(b)
	if err != nil {
		cause := errs.New(errs.KindConfiguration, "resolve step "+p.step.Key(), err)
		o.Executor.Abort(ctx, u, cause)
		return cause
	}
	if len(params) == 0 {
		u.AddNote(o.now(), "No ids gathered for the step's resource-ids parameter; nothing to query")
	}

	return o.Executor.ExecutePaged(ctx, client, u, acquisition.Query{
		ResourceType: p.query.ResourceType,
		Params:       params,
	}, func(page acquisition.Page) error {
		b.AddKeys(page.Keys...)
		if len(page.Resources) == 0 {
			return nil
		}
		if err := o.Notifier.Notify(ctx, u.CorrelationID, acquisition.BatchEvent(u, page.Resources)); err != nil {
			return errs.Transient("notify resource batch", err)
		}
		if len(refQueries) > 0 && o.References != nil {
			res := o.References.Resolve(ctx, reference.Job{
				Endpoint:  client,
				Parent:    u,
				Resources: page.Resources,
				Queries:   refQueries,
			})
			log.Debug().
				Str("unit_id", u.ID).
				Int("page", page.Number).
				Int("linked", len(res.Linked)).
				Int("fetched", res.Fetched).
				Int("cached", res.Cached).
				Int("failed", res.Failed).
				Msg("references resolved")
		}
		return nil
	})
}

// ValidationCheck is one probe of a connectivity validation.
type ValidationCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult reports whether a facility can be scheduled.
type ValidationResult struct {
	FacilityID  string            `json:"facilityId"`
	PatientID   string            `json:"patientId,omitempty"`
	Reachable   bool              `json:"reachable"`
	FHIRVersion string            `json:"fhirVersion,omitempty"`
	Software    string            `json:"software,omitempty"`
	Checks      []ValidationCheck `json:"checks"`
	DurationMs  int64             `json:"durationMs"`
}

// Validate checks a facility's configuration and connectivity. A missing or
// invalid configuration is returned as an error; remote failures are
// reported in the result.
func (o *Orchestrator) Validate(ctx context.Context, facilityID, patientID string) (*ValidationResult, error) {
	start := o.now()
	ep, err := o.Endpoints.Endpoint(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	res := &ValidationResult{FacilityID: facilityID, PatientID: patientID}
	client := ep.Client()

	caps, err := o.Remote.Capabilities(ctx, client)
	if err != nil {
		res.Checks = append(res.Checks, ValidationCheck{Name: "capabilities", Detail: err.Error()})
	} else {
		res.Reachable = true
		fields := gjson.GetManyBytes(caps, "fhirVersion", "software.name", "software.version")
		res.FHIRVersion = fields[0].String()
		res.Software = fields[1].String()
		if v := fields[2].String(); v != "" {
			res.Software += " " + v
		}
		res.Checks = append(res.Checks, ValidationCheck{Name: "capabilities", OK: true, Detail: res.FHIRVersion})
	}

	if patientID != "" && res.Reachable {
		if _, err := o.Remote.Read(ctx, client, "Patient", patientID); err != nil {
			res.Checks = append(res.Checks, ValidationCheck{Name: "patient", Detail: err.Error()})
		} else {
			res.Checks = append(res.Checks, ValidationCheck{Name: "patient", OK: true, Detail: "Patient/" + patientID})
		}
	}
	res.DurationMs = o.now().Sub(start).Milliseconds()

	o.Logger.Info().
		Str("facility_id", facilityID).
		Bool("reachable", res.Reachable).
		Str("fhir_version", res.FHIRVersion).
		Msg("facility validated")
	return res, nil
}

// OK reports whether every check passed.
func (r *ValidationResult) OK() bool {
	if !r.Reachable {
		return false
	}
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}
