package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/errs"
	"github.com/ehr/acquisition/internal/platform/queue"
	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// Enqueuer puts a work item back on a queue after a delay.
// *queue.Publisher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, body []byte, delay time.Duration) error
}

// Listener turns queue deliveries into Acquire calls.
type Listener struct {
	orch       *Orchestrator
	enqueuer   Enqueuer
	queue      string
	retryDelay time.Duration
	logger     zerolog.Logger
	metrics    *telemetry.TelemetryProvider
	now        func() time.Time
}

func NewListener(orch *Orchestrator, enqueuer Enqueuer, queueName string, retryDelay time.Duration, logger zerolog.Logger, metrics *telemetry.TelemetryProvider) *Listener {
	return &Listener{
		orch:       orch,
		enqueuer:   enqueuer,
		queue:      queueName,
		retryDelay: retryDelay,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Handle processes one delivery. It matches queue.Handler: undecodable
// items and configuration errors are poison, infrastructure errors requeue
// the delivery, and items outside the facility's pull window or with a
// scheduled retry are re-enqueued with a delay and acknowledged.
func (l *Listener) Handle(ctx context.Context, body []byte) error {
	req, err := DecodeRequest(body)
	if err != nil {
		l.metrics.WorkItem("dead_lettered")
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}
	log := l.logger.With().
		Str("facility_id", req.FacilityID).
		Str("correlation_id", req.CorrelationID).
		Logger()

	ep, err := l.orch.Endpoints.Endpoint(ctx, req.FacilityID)
	if err != nil {
		return l.failed(err, log)
	}
	if open, wait := ep.NextOpening(l.now()); !open {
		if err := l.enqueuer.Enqueue(ctx, l.queue, body, wait); err != nil {
			l.metrics.WorkItem("requeued")
			return fmt.Errorf("defer work item: %w", err)
		}
		l.metrics.WorkItem("deferred")
		log.Info().Dur("wait", wait).Msg("outside acquisition window; work item deferred")
		return nil
	}

	out, err := l.orch.Acquire(ctx, *req)
	if err != nil {
		return l.failed(err, log)
	}
	if out.RetryScheduled {
		if err := l.enqueuer.Enqueue(ctx, l.queue, body, l.retryDelay); err != nil {
			l.metrics.WorkItem("requeued")
			return fmt.Errorf("schedule retry: %w", err)
		}
		l.metrics.WorkItem("retry_scheduled")
		log.Info().Dur("delay", l.retryDelay).Msg("retry scheduled")
		return nil
	}
	l.metrics.WorkItem("acked")
	return nil
}

func (l *Listener) failed(err error, log zerolog.Logger) error {
	if errs.Is(err, errs.KindConfiguration) {
		l.metrics.WorkItem("dead_lettered")
		log.Error().Err(err).Msg("work item rejected")
		return fmt.Errorf("%w: %v", queue.ErrPoison, err)
	}
	l.metrics.WorkItem("requeued")
	log.Warn().Err(err).Msg("work item will be redelivered")
	return err
}
