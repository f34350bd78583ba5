package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/domain/acquisition"
	"github.com/ehr/acquisition/internal/domain/endpoint"
	"github.com/ehr/acquisition/internal/domain/queryplan"
	"github.com/ehr/acquisition/internal/domain/reference"
	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/notification"
)

// -- Stubs --

type noCreds struct{}

func (noCreds) Build(context.Context, string, *auth.Configuration) (auth.Credential, error) {
	return auth.Credential{}, nil
}

func (noCreds) Invalidate(context.Context, string) {}

type stubEndpoints struct {
	endpoints map[string]*endpoint.FacilityEndpoint
	err       error
}

func (s *stubEndpoints) Endpoint(_ context.Context, facilityID string) (*endpoint.FacilityEndpoint, error) {
	if s.err != nil {
		return nil, s.err
	}
	ep, ok := s.endpoints[facilityID]
	if !ok {
		return nil, errs.Configuration("load endpoint", "facility %s: %v", facilityID, endpoint.ErrNotFound)
	}
	return ep, nil
}

type stubPlans struct {
	plans map[queryplan.Frequency]*queryplan.QueryPlan
}

func (s *stubPlans) Plan(_ context.Context, facilityID string, freq queryplan.Frequency) (*queryplan.QueryPlan, error) {
	p, ok := s.plans[freq]
	if !ok {
		return nil, errs.Configuration("load query plan", "no %s plan for facility %s", freq, facilityID)
	}
	return p, nil
}

// ehrServer is a FHIR server with two encounters at two locations.
type ehrServer struct {
	*httptest.Server
	mu       sync.Mutex
	hits     map[string]int
	queries  map[string][]string
	failures map[string]int
}

func newEHRServer(t *testing.T) *ehrServer {
	t.Helper()
	s := &ehrServer{hits: map[string]int{}, queries: map[string][]string{}, failures: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.queries[r.URL.Path] = append(s.queries[r.URL.Path], r.URL.RawQuery)
		fail := 0
		if s.failures[r.URL.Path] > 0 {
			s.failures[r.URL.Path]--
			fail = http.StatusServiceUnavailable
		}
		s.mu.Unlock()
		if fail != 0 {
			w.WriteHeader(fail)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		switch r.URL.Path {
		case "/metadata":
			fmt.Fprint(w, `{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1","software":{"name":"TestEHR","version":"2.1"}}`)
		case "/Patient/P1":
			fmt.Fprint(w, `{"resourceType":"Patient","id":"P1"}`)
		case "/Encounter":
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[`+
				`{"resource":{"resourceType":"Encounter","id":"E1","location":[{"location":{"reference":"Location/L1"}}]}},`+
				`{"resource":{"resourceType":"Encounter","id":"E2","location":[{"location":{"reference":"Location/L2"}}]}}]}`)
		case "/Observation":
			fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset","entry":[`+
				`{"resource":{"resourceType":"Observation","id":"O1"}}]}`)
		case "/Location/L1", "/Location/L2":
			fmt.Fprintf(w, `{"resourceType":"Location","id":%q}`, strings.TrimPrefix(r.URL.Path, "/Location/"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *ehrServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *ehrServer) query(path string, i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[path][i]
}

func (s *ehrServer) failNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = n
}

type harness struct {
	server    *ehrServer
	units     *acquisition.MemoryRepo
	recorder  *notification.Recorder
	notifier  *acquisition.DispatchNotifier
	endpoints *stubEndpoints
	plans     *stubPlans
	client    *fhirclient.Client
	exec      *acquisition.Executor
	refs      *reference.Resolver
	orch      *Orchestrator
}

func scenarioPlan(extra ...queryplan.Step) *queryplan.QueryPlan {
	steps := queryplan.Steps{
		{Name: "encounters", Config: &queryplan.ParameterQuery{
			ResourceType: "Encounter",
			Parameters: []queryplan.Parameter{
				{Kind: queryplan.ParamVariable, Name: "patient", Variable: queryplan.BindPatientID},
				{Kind: queryplan.ParamVariable, Name: "date", Variable: "ReportStartDate", Format: "ge{0}"},
			},
		}},
		{Name: "locations", Config: &queryplan.ReferenceQuery{ResourceType: "Location", Operation: queryplan.OperationRead}},
	}
	steps = append(steps, extra...)
	return &queryplan.QueryPlan{
		ID:             "plan-1",
		FacilityID:     "F1",
		PlanName:       "daily",
		Frequency:      queryplan.FrequencyDaily,
		LookBack:       "P0D",
		InitialQueries: steps,
	}
}

func newHarness(t *testing.T, plan *queryplan.QueryPlan) *harness {
	t.Helper()
	h := &harness{
		server:   newEHRServer(t),
		units:    acquisition.NewMemoryRepo(),
		recorder: notification.NewRecorder(),
		plans:    &stubPlans{plans: map[queryplan.Frequency]*queryplan.QueryPlan{queryplan.FrequencyDaily: plan}},
	}
	h.endpoints = &stubEndpoints{endpoints: map[string]*endpoint.FacilityEndpoint{
		"F1": {FacilityID: "F1", BaseURL: h.server.URL, Auth: &auth.Configuration{AuthType: "None"}},
	}}
	h.notifier = acquisition.NewDispatchNotifier(notification.NewDispatcher(zerolog.Nop(), nil, h.recorder))

	h.client = fhirclient.New(noCreds{}, fhirclient.Config{Timeout: 5 * time.Second})
	h.exec = acquisition.NewExecutor(h.client, h.units, acquisition.WithMaxRetries(3))
	h.refs = reference.NewResolver(h.exec, h.units, reference.NewMemoryStore(), h.notifier)
	h.orch = h.orchestrator(h.units)
	return h
}

func (h *harness) orchestrator(units acquisition.Repository) *Orchestrator {
	return New(Deps{
		Endpoints:  h.endpoints,
		Plans:      h.plans,
		Units:      units,
		Executor:   h.exec,
		References: h.refs,
		Notifier:   h.notifier,
		Remote:     h.client,
		Logger:     zerolog.Nop(),
	})
}

// gatedRepo holds every LatestForStep call for one step until `callers`
// of them have arrived, so concurrent deliveries all see the step unclaimed.
type gatedRepo struct {
	*acquisition.MemoryRepo
	step    string
	callers int

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (g *gatedRepo) LatestForStep(ctx context.Context, correlationID, reportTrackingID, stepKey string) (*acquisition.Unit, error) {
	u, err := g.MemoryRepo.LatestForStep(ctx, correlationID, reportTrackingID, stepKey)
	if stepKey != g.step {
		return u, err
	}
	g.mu.Lock()
	g.arrived++
	if g.arrived == g.callers {
		close(g.release)
	}
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-time.After(5 * time.Second):
	}
	return u, err
}

func scenarioRequest() Request {
	return Request{
		FacilityID:    "F1",
		PatientID:     "P1",
		CorrelationID: "C1",
		QueryType:     queryplan.PhaseInitial,
		ScheduledReports: []acquisition.ScheduledReport{{
			ReportTrackingID: "R1",
			StartDate:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
			EndDate:          time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
			Frequency:        "daily",
			ReportTypes:      []string{"HypoInpatient"},
		}},
	}
}

func (h *harness) allUnits(t *testing.T) []*acquisition.Unit {
	t.Helper()
	units, _, err := h.units.List(context.Background(), acquisition.Filter{}, 100, 0)
	if err != nil {
		t.Fatalf("list units: %v", err)
	}
	return units
}

func (h *harness) sweep(t *testing.T) acquisition.SweepResult {
	t.Helper()
	res, err := acquisition.NewDetector(h.units, h.notifier, zerolog.Nop(), nil, 10).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	return res
}

// -- Tests --

func TestAcquire_EncounterWithLocations(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	ctx := context.Background()

	out, err := h.orch.Acquire(ctx, scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Executed != 1 || out.Failed != 0 || out.RetryScheduled || out.TraceID == "" {
		t.Fatalf("outcome = %+v", out)
	}
	if q := h.server.query("/Encounter", 0); !strings.Contains(q, "patient=P1") || !strings.Contains(q, "date=ge2026-03-01T00%3A00%3A00Z") {
		t.Fatalf("encounter query = %s", q)
	}
	if h.server.count("/Location/L1") != 1 || h.server.count("/Location/L2") != 1 {
		t.Fatal("expected exactly one read per location")
	}

	units := h.allUnits(t)
	if len(units) != 3 {
		t.Fatalf("units = %d, want 3", len(units))
	}
	for _, u := range units {
		if u.Status != acquisition.StatusCompleted {
			t.Fatalf("unit %s (%s) is %s", u.ID, u.ResourceType, u.Status)
		}
		if u.TraceID != out.TraceID {
			t.Fatalf("unit %s trace = %q", u.ID, u.TraceID)
		}
	}
	if got := len(h.recorder.Messages(notification.KindResourceAcquired)); got != 3 {
		t.Fatalf("resource notifications = %d, want 3", got)
	}

	if res := h.sweep(t); res.Sent != 1 {
		t.Fatalf("first sweep = %+v", res)
	}
	tails := h.recorder.Messages(notification.KindAcquisitionComplete)
	if len(tails) != 1 || tails[0].Key != "C1" || tails[0].TraceID != out.TraceID {
		t.Fatalf("tails = %+v", tails)
	}
	for _, u := range h.allUnits(t) {
		if !u.TailSent {
			t.Fatalf("unit %s not tail-sent", u.ID)
		}
	}
	if res := h.sweep(t); res.Sent != 0 || res.Eligible != 0 {
		t.Fatalf("second sweep = %+v", res)
	}
}

func TestAcquire_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.orch.Acquire(ctx, scenarioRequest()); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if h.server.count("/Encounter") != 1 {
		t.Fatalf("encounter searched %d times", h.server.count("/Encounter"))
	}
	if len(h.allUnits(t)) != 3 {
		t.Fatalf("units = %d", len(h.allUnits(t)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = acquisition.NewDetector(h.units, h.notifier, zerolog.Nop(), nil, 10).Sweep(ctx)
		}()
	}
	wg.Wait()
	if got := len(h.recorder.Messages(notification.KindAcquisitionComplete)); got != 1 {
		t.Fatalf("tail notifications = %d, want 1", got)
	}
}

func TestAcquire_ConcurrentDuplicateDeliveriesClaimEachStepOnce(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	gated := &gatedRepo{MemoryRepo: h.units, step: "initial:encounters", callers: 2, release: make(chan struct{})}
	orch := h.orchestrator(gated)

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := orch.Acquire(context.Background(), scenarioRequest())
			if err != nil {
				t.Errorf("delivery %d: unexpected error: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	executed, skipped := 0, 0
	for _, out := range outcomes {
		if out != nil {
			executed += out.Executed
			skipped += out.Skipped
		}
	}
	if executed != 1 || skipped != 1 {
		t.Fatalf("executed=%d skipped=%d, want 1 and 1", executed, skipped)
	}
	if got := h.server.count("/Encounter"); got != 1 {
		t.Fatalf("encounter searches = %d, want 1", got)
	}
	if got := len(h.allUnits(t)); got != 3 {
		t.Fatalf("units = %d, want 3", got)
	}
	if got := len(h.recorder.Messages(notification.KindResourceAcquired)); got != 3 {
		t.Fatalf("resource notifications = %d, want 3", got)
	}
	if res := h.sweep(t); res.Sent != 1 {
		t.Fatalf("tail notifications = %d, want 1", res.Sent)
	}
}

func TestAcquire_LaterStepsUseGatheredIDs(t *testing.T) {
	h := newHarness(t, scenarioPlan(queryplan.Step{Name: "observations", Config: &queryplan.ParameterQuery{
		ResourceType: "Observation",
		Parameters: []queryplan.Parameter{
			{Kind: queryplan.ParamResourceIDs, Name: "encounter", Resource: "Encounter"},
		},
	}}))

	out, err := h.orch.Acquire(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Executed != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if q := h.server.query("/Observation", 0); q != "encounter=E1%2CE2" {
		t.Fatalf("observation query = %s", q)
	}
}

func TestAcquire_FailedStepDoesNotStopLaterSteps(t *testing.T) {
	plan := scenarioPlan(queryplan.Step{Name: "observations", Config: &queryplan.ParameterQuery{
		ResourceType: "Observation",
		Parameters: []queryplan.Parameter{
			{Kind: queryplan.ParamVariable, Name: "_list", Variable: queryplan.BindListID},
		},
	}}, queryplan.Step{Name: "more-observations", Config: &queryplan.ParameterQuery{
		ResourceType: "Observation",
		Parameters: []queryplan.Parameter{
			{Kind: queryplan.ParamLiteral, Name: "category", Literal: "vital-signs"},
		},
	}})
	h := newHarness(t, plan)

	out, err := h.orch.Acquire(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Executed != 2 || out.Failed != 1 || out.RetryScheduled {
		t.Fatalf("outcome = %+v", out)
	}
	failed, _, _ := h.units.List(context.Background(), acquisition.Filter{Status: acquisition.StatusFailed}, 10, 0)
	if len(failed) != 1 || failed[0].StepKey != "initial:observations" {
		t.Fatalf("failed units = %+v", failed)
	}
	if res := h.sweep(t); res.Sent != 1 {
		t.Fatalf("partial acquisition should still complete: %+v", res)
	}
}

func TestAcquire_TransientFailureRetriesOnRedelivery(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	h.server.failNext("/Encounter", 1)
	ctx := context.Background()

	out, err := h.orch.Acquire(ctx, scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.RetryScheduled || out.Failed != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if res := h.sweep(t); res.Eligible != 0 {
		t.Fatal("group with a pending retry must not be tail-eligible")
	}

	out, err = h.orch.Acquire(ctx, scenarioRequest())
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if out.Executed != 1 || out.RetryScheduled {
		t.Fatalf("redelivery outcome = %+v", out)
	}
	units := h.allUnits(t)
	if len(units) != 4 {
		t.Fatalf("units = %d, want failed + successor + 2 locations", len(units))
	}
	var successor *acquisition.Unit
	for _, u := range units {
		if u.ResourceType == "Encounter" && u.Status == acquisition.StatusCompleted {
			successor = u
		}
	}
	if successor == nil || successor.RetryAttempts != 1 || successor.Supersedes == "" {
		t.Fatalf("successor = %+v", successor)
	}
	if res := h.sweep(t); res.Sent != 1 {
		t.Fatalf("sweep = %+v", res)
	}
}

func TestAcquire_ConfigurationErrors(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	ctx := context.Background()

	req := scenarioRequest()
	req.FacilityID = "F404"
	if _, err := h.orch.Acquire(ctx, req); !errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	req = scenarioRequest()
	req.ScheduledReports[0].Frequency = "Weekly"
	if _, err := h.orch.Acquire(ctx, req); !errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	req = scenarioRequest()
	req.QueryType = queryplan.PhasePolling
	if _, err := h.orch.Acquire(ctx, req); !errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if n := len(h.allUnits(t)); n != 0 {
		t.Fatalf("configuration errors created %d units", n)
	}
}

func TestAcquire_SupplementalRunsOnlySupplementalSteps(t *testing.T) {
	plan := scenarioPlan()
	plan.SupplementalQueries = queryplan.Steps{{Name: "observations", Config: &queryplan.ParameterQuery{
		ResourceType: "Observation",
		Parameters:   []queryplan.Parameter{{Kind: queryplan.ParamVariable, Name: "patient", Variable: "PatientId"}},
	}}}
	h := newHarness(t, plan)

	req := scenarioRequest()
	req.QueryType = queryplan.PhaseSupplemental
	out, err := h.orch.Acquire(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Executed != 1 || h.server.count("/Encounter") != 0 || h.server.count("/Observation") != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	units := h.allUnits(t)
	if len(units) != 1 || units[0].QueryPhase != queryplan.PhaseSupplemental || units[0].StepKey != "supplemental:observations" {
		t.Fatalf("units = %+v", units)
	}
}

func TestAcquire_CancelledContextFailsQueuedSteps(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.orch.Acquire(ctx, scenarioRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Failed != 1 || !out.RetryScheduled || h.server.count("/Encounter") != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	for _, u := range h.allUnits(t) {
		if u.Status == acquisition.StatusProcessing {
			t.Fatalf("unit %s left processing", u.ID)
		}
	}
}

func TestValidate(t *testing.T) {
	h := newHarness(t, scenarioPlan())
	ctx := context.Background()

	res, err := h.orch.Validate(ctx, "F1", "P1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK() || res.FHIRVersion != "4.0.1" || res.Software != "TestEHR 2.1" || len(res.Checks) != 2 {
		t.Fatalf("result = %+v", res)
	}

	res, err = h.orch.Validate(ctx, "F1", "unknown")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK() || !res.Reachable {
		t.Fatalf("missing patient should fail validation: %+v", res)
	}

	if _, err := h.orch.Validate(ctx, "F404", ""); !errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	h.endpoints.err = errors.New("db down")
	if _, err := h.orch.Validate(ctx, "F1", ""); err == nil || errs.Is(err, errs.KindConfiguration) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}
