package acquisition

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// SweepResult counts what one detector pass did.
type SweepResult struct {
	Eligible int `json:"eligible"`
	Sent     int `json:"sent"`
	Lost     int `json:"lost"`
	Failed   int `json:"failed"`
}

// Detector finds groups whose units are all terminal and sends each group's
// completion signal exactly once, however many detectors run at once.
type Detector struct {
	repo     Repository
	notifier Notifier
	logger   zerolog.Logger
	metrics  *telemetry.TelemetryProvider
	batch    int
}

func NewDetector(repo Repository, notifier Notifier, logger zerolog.Logger, metrics *telemetry.TelemetryProvider, batch int) *Detector {
	if batch <= 0 {
		batch = 100
	}
	return &Detector{repo: repo, notifier: notifier, logger: logger, metrics: metrics, batch: batch}
}

// Sweep makes one pass over eligible groups. A group whose emit fails stays
// untailed and is picked up by a later pass.
func (d *Detector) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	groups, err := d.repo.EligibleGroups(ctx, d.batch)
	if err != nil {
		return res, fmt.Errorf("list tail-eligible groups: %w", err)
	}
	res.Eligible = len(groups)

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := d.logger.With().
			Str("group", g.Key.String()).
			Str("trace_id", g.TraceID).
			Int("units", len(g.Units)).
			Logger()

		gctx := ctx
		if g.TraceID != "" {
			gctx = telemetry.WithTraceID(ctx, g.TraceID)
		}
		won, err := d.repo.MarkTailSent(gctx, g, func(ctx context.Context) error {
			return d.notifier.Notify(ctx, g.Key.CorrelationID, TailEvent(g))
		})
		switch {
		case err != nil:
			res.Failed++
			log.Error().Err(err).Msg("sending completion signal failed")
		case !won:
			res.Lost++
			d.metrics.TailRaceLost()
			log.Debug().Msg("completion signal already claimed")
		default:
			res.Sent++
			d.metrics.TailSent()
			log.Info().Msg("completion signal sent")
		}
	}
	return res, nil
}
