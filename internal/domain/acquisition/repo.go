package acquisition

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("acquisition unit not found")
	ErrVersionConflict = errors.New("acquisition unit was modified concurrently")
	// ErrDuplicate means another delivery already created the unit for this
	// step attempt.
	ErrDuplicate = errors.New("acquisition unit already exists for step attempt")
)

// Repository persists acquisition units. Updates are optimistic: Update
// succeeds only when the stored version equals u.Version, and bumps it.
type Repository interface {
	// Create stores a new unit. Plan step units are unique per
	// (correlation, report, step key, retry attempts); a second one fails
	// with ErrDuplicate. Reference units are exempt.
	Create(ctx context.Context, u *Unit) error
	Update(ctx context.Context, u *Unit) error
	GetByID(ctx context.Context, id string) (*Unit, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Unit, int, error)
	// LatestForStep returns the most recently created unit for a step of one
	// report, or ErrNotFound.
	LatestForStep(ctx context.Context, correlationID, reportTrackingID, stepKey string) (*Unit, error)
	// ListStale returns non-terminal units last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Unit, error)
	// EligibleGroups returns groups whose units are all terminal and none
	// tail-sent.
	EligibleGroups(ctx context.Context, limit int) ([]*Group, error)
	// MarkTailSent atomically marks every unit of g tail-sent, provided each
	// is still at the observed version, untailed, and no other unit has
	// joined the group. emit runs inside the same transaction and the marks
	// are kept only if it succeeds. It returns false when another sweep got
	// there first.
	MarkTailSent(ctx context.Context, g *Group, emit func(ctx context.Context) error) (bool, error)
}

// TailNote is appended to every unit of a group when its completion signal
// is sent.
const TailNote = "Tail message sent"
