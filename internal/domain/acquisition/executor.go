package acquisition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/fhir"
	"github.com/ehr/acquisition/internal/platform/fhirclient"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// FHIR is the transport the executor drives. *fhirclient.Client implements
// it.
type FHIR interface {
	Read(ctx context.Context, ep fhirclient.Endpoint, resourceType, id string) (json.RawMessage, error)
	Paginate(ep fhirclient.Endpoint, resourceType string, params url.Values) *fhirclient.Pager
}

// Query is one unit's remote work. Reads use ID; searches run each entry of
// Params in order, all pages feeding the same unit.
type Query struct {
	ResourceType string
	ID           string
	Params       []url.Values
	// AllowMissing completes a read answered with 404 or 410 instead of
	// failing it.
	AllowMissing bool
}

// Page is one fetched search page with error entries removed.
type Page struct {
	Number    int
	Bundle    *fhir.Bundle
	Resources []json.RawMessage
	Keys      []string
}

// RetryScheduled wraps a failure for which a successor unit was stored.
type RetryScheduled struct {
	Err error
}

func (e *RetryScheduled) Error() string { return e.Err.Error() }
func (e *RetryScheduled) Unwrap() error { return e.Err }

// WillRetry reports whether err carries a stored retry successor.
func WillRetry(err error) bool {
	var rs *RetryScheduled
	return errors.As(err, &rs)
}

// fail aborts u and returns cause, marked when a retry was stored.
func (e *Executor) fail(ctx context.Context, u *Unit, cause error) error {
	if e.Abort(ctx, u, cause) {
		return &RetryScheduled{Err: cause}
	}
	return cause
}

// Executor runs remote queries on behalf of acquisition units and drives
// each unit through Processing to a terminal state.
type Executor struct {
	client     FHIR
	repo       Repository
	logger     zerolog.Logger
	metrics    *telemetry.TelemetryProvider
	now        func() time.Time
	maxRetries int
}

type ExecutorOption func(*Executor)

func WithLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

func WithTelemetry(tp *telemetry.TelemetryProvider) ExecutorOption {
	return func(e *Executor) { e.metrics = tp }
}

func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithMaxRetries bounds how many successor units a transient failure may
// spawn for one step.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

func NewExecutor(client FHIR, repo Repository, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:     client,
		repo:       repo,
		logger:     zerolog.Nop(),
		now:        time.Now,
		maxRetries: 10,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Begin persists the move to Processing. Retry successors pass through
// Ready first.
func (e *Executor) Begin(ctx context.Context, u *Unit) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("begin unit", err)
	}
	if u.Status == StatusPending && u.RetryAttempts > 0 {
		if err := u.MarkReady(); err != nil {
			return err
		}
		if err := e.save(ctx, u); err != nil {
			return err
		}
	}
	if err := u.Start(e.now()); err != nil {
		return err
	}
	return e.save(ctx, u)
}

// begin is Begin for a unit about to make a remote call. A unit that cannot
// start because ctx is done is failed rather than left Pending.
func (e *Executor) begin(ctx context.Context, u *Unit) error {
	err := e.Begin(ctx, u)
	if err != nil && errs.Is(err, errs.KindTransient) {
		return e.fail(ctx, u, err)
	}
	return err
}

func (e *Executor) save(ctx context.Context, u *Unit) error {
	if err := e.repo.Update(ctx, u); err != nil {
		return err
	}
	e.metrics.UnitTransition(string(u.Status))
	return nil
}

// ExecuteSingular reads one resource. A nil resource with a nil error means
// the target was missing and the query allowed it.
func (e *Executor) ExecuteSingular(ctx context.Context, ep fhirclient.Endpoint, u *Unit, q Query) (json.RawMessage, error) {
	if err := e.begin(ctx, u); err != nil {
		return nil, err
	}
	raw, err := e.client.Read(ctx, ep, q.ResourceType, q.ID)
	if err != nil {
		if q.AllowMissing && errors.Is(err, fhirclient.ErrNotFound) {
			u.AddNote(e.now(), "%s/%s not found on the remote server", q.ResourceType, q.ID)
			return nil, e.finish(ctx, u)
		}
		return nil, e.fail(ctx, u, err)
	}
	u.AddAcquired(fhir.Key(raw))
	e.metrics.ResourcesAcquired(q.ResourceType, 1)
	if err := e.finish(ctx, u); err != nil {
		return nil, err
	}
	return raw, nil
}

// ExecutePaged runs the unit's searches and hands every page to yield as it
// arrives. The sequence cannot be restarted; a yield error fails the unit.
func (e *Executor) ExecutePaged(ctx context.Context, ep fhirclient.Endpoint, u *Unit, q Query, yield func(Page) error) error {
	if err := e.begin(ctx, u); err != nil {
		return err
	}
	n := 0
	for _, params := range q.Params {
		pager := e.client.Paginate(ep, q.ResourceType, params)
		for {
			b, err := pager.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return e.fail(ctx, u, err)
			}
			n++
			page := e.filter(u, n, b)
			u.AddAcquired(page.Keys...)
			e.metrics.ResourcesAcquired(q.ResourceType, len(page.Keys))
			if yield == nil {
				continue
			}
			if err := yield(page); err != nil {
				return e.fail(ctx, u, err)
			}
		}
	}
	return e.finish(ctx, u)
}

// filter drops OperationOutcome entries and entries without an identity,
// noting each on the unit.
func (e *Executor) filter(u *Unit, n int, b *fhir.Bundle) Page {
	page := Page{Number: n, Bundle: b}
	for _, raw := range b.Resources() {
		if fhir.IsOperationOutcome(raw) {
			summary := "unparseable OperationOutcome"
			if oo, ok := fhir.ParseOperationOutcome(raw); ok {
				summary = oo.Summary()
			}
			u.AddNote(e.now(), "OperationOutcome entry excluded from page %d: %s", n, summary)
			e.logger.Warn().
				Str("unit_id", u.ID).
				Str("resource_type", u.ResourceType).
				Int("page", n).
				Str("outcome", summary).
				Msg("excluding OperationOutcome entry")
			continue
		}
		key := fhir.Key(raw)
		if key == "" {
			u.AddNote(e.now(), "Entry without resourceType or id excluded from page %d", n)
			continue
		}
		page.Resources = append(page.Resources, raw)
		page.Keys = append(page.Keys, key)
	}
	return page
}

func (e *Executor) finish(ctx context.Context, u *Unit) error {
	if err := u.Complete(e.now()); err != nil {
		return err
	}
	return e.save(context.WithoutCancel(ctx), u)
}

// Abort drives u to Failed. For transient failures of a step it first stores
// a Pending successor unless the retry limit is reached; it reports whether
// a successor was stored. The failure is written even if ctx is cancelled.
func (e *Executor) Abort(ctx context.Context, u *Unit, cause error) (retry bool) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	log := e.logger.With().Str("unit_id", u.ID).Str("resource_type", u.ResourceType).Logger()

	if u.Status.Terminal() {
		return false
	}
	if u.Status != StatusProcessing {
		if err := e.Begin(ctx, u); err != nil {
			log.Error().Err(err).Msg("cannot move unit to processing before failing it")
			return false
		}
	}

	var se *fhirclient.StatusError
	if errors.As(cause, &se) && se.Outcome != nil {
		u.AddNote(now, "OperationOutcome returned for HTTP %d: %s", se.StatusCode, se.Outcome.Summary())
	}

	if errs.Retryable(cause) && !u.IsReference {
		if u.RetryAttempts < e.maxRetries {
			next := u.Successor(now)
			switch err := e.repo.Create(ctx, next); {
			case errors.Is(err, ErrDuplicate):
				log.Debug().Msg("retry successor already stored by another delivery")
			case err != nil:
				log.Error().Err(err).Msg("storing retry successor failed")
			default:
				retry = true
				e.metrics.UnitTransition(string(next.Status))
			}
		} else {
			u.AddNote(now, "Max retries reached")
		}
	}

	if err := u.Fail(now, "Request failed: "+cause.Error()); err != nil {
		log.Error().Err(err).Msg("cannot fail unit")
		return retry
	}
	if err := e.save(ctx, u); err != nil {
		log.Error().Err(err).Msg("persisting failed unit")
	}
	log.Warn().Err(cause).Bool("retry", retry).Int("retry_attempts", u.RetryAttempts).Msg("acquisition unit failed")
	return retry
}
