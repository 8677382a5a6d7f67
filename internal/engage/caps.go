// Package engage caps how many replies the bot publishes per clock hour and per day.
package engage

import (
	"context"
	"time"
)

// Counter counts reply-log rows with the given status in [start, end).
type Counter interface {
	CountRepliesWithin(ctx context.Context, start, end time.Time, status string) (int, error)
}

// Caps are per-hour and per-day ceilings on published replies; zero disables a cap.
type Caps struct {
	MaxPerHour int
	MaxPerDay  int
}

// Gate checks Caps against the reply log.
type Gate struct {
	db     Counter
	caps   Caps
	status string
}

// NewGate counts rows with status (e.g. "replied") against caps.
func NewGate(db Counter, caps Caps, status string) *Gate {
	return &Gate{db: db, caps: caps, status: status}
}

// Allow reports whether another reply fits at now. When it does not, wait is the time until
// the blocking window rolls over.
func (g *Gate) Allow(ctx context.Context, now time.Time) (bool, time.Duration, error) {
	now = now.UTC()
	startHour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, time.UTC)
	startDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if g.caps.MaxPerDay > 0 {
		dayCount, err := g.db.CountRepliesWithin(ctx, startDay, startDay.Add(24*time.Hour), g.status)
		if err != nil {
			return false, 0, err
		}
		if dayCount >= g.caps.MaxPerDay {
			return false, startDay.Add(24 * time.Hour).Sub(now), nil
		}
	}
	if g.caps.MaxPerHour > 0 {
		hourCount, err := g.db.CountRepliesWithin(ctx, startHour, startHour.Add(time.Hour), g.status)
		if err != nil {
			return false, 0, err
		}
		if hourCount >= g.caps.MaxPerHour {
			return false, startHour.Add(time.Hour).Sub(now), nil
		}
	}
	return true, 0, nil
}
