package acquisition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/acquisition/internal/platform/telemetry"
)

// StaleNote is the failure reason of a reaped unit.
const StaleNote = "Abandoned: no progress before the stale cutoff"

// Reaper fails units stuck in a non-terminal state so their groups can
// complete.
type Reaper struct {
	repo    Repository
	logger  zerolog.Logger
	metrics *telemetry.TelemetryProvider
	after   time.Duration
	now     func() time.Time
}

func NewReaper(repo Repository, logger zerolog.Logger, metrics *telemetry.TelemetryProvider, after time.Duration) *Reaper {
	if after <= 0 {
		after = time.Hour
	}
	return &Reaper{repo: repo, logger: logger, metrics: metrics, after: after, now: time.Now}
}

// Reap fails every unit not updated within the stale window. Units that
// move while being reaped are left alone.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	now := r.now()
	stale, err := r.repo.ListStale(ctx, now.Add(-r.after), 500)
	if err != nil {
		return 0, fmt.Errorf("list stale units: %w", err)
	}
	reaped := 0
	for _, u := range stale {
		if err := ctx.Err(); err != nil {
			break
		}
		if u.Status != StatusProcessing {
			if err := u.Start(now); err != nil {
				continue
			}
			if err := r.repo.Update(ctx, u); err != nil {
				r.skip(u, err)
				continue
			}
		}
		if err := u.Fail(now, StaleNote); err != nil {
			continue
		}
		if err := r.repo.Update(ctx, u); err != nil {
			r.skip(u, err)
			continue
		}
		reaped++
	}
	r.metrics.UnitsReaped(reaped)
	if reaped > 0 {
		r.logger.Warn().Int("units", reaped).Dur("stale_after", r.after).Msg("reaped stale acquisition units")
	}
	return reaped, ctx.Err()
}

func (r *Reaper) skip(u *Unit, err error) {
	if errors.Is(err, ErrVersionConflict) {
		r.logger.Debug().Str("unit_id", u.ID).Msg("stale unit moved; skipping")
		return
	}
	r.logger.Error().Err(err).Str("unit_id", u.ID).Msg("reaping unit failed")
}
