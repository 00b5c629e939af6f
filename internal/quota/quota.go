// Package quota enforces the per-user daily question ceiling.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/NafizharRayhansyah23/obrolin-web/internal/chat"
)

// DailyLimit is the number of chat records a user may create per local day.
const DailyLimit = 50

// Counter is the slice of chat.Store the enforcer reads.
type Counter interface {
	CountChatsSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

type Enforcer struct {
	counter Counter
	loc     *time.Location
	now     func() time.Time
}

// New returns an enforcer whose day boundaries are midnight in loc.
func New(counter Counter, loc *time.Location) *Enforcer {
	if loc == nil {
		loc = time.Local
	}
	return &Enforcer{counter: counter, loc: loc, now: time.Now}
}

// WithClock replaces the time source.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	e.now = now
	return e
}

// StartOfDay returns 00:00:00 of t's calendar day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Check returns chat.ErrQuotaExceeded once the user has DailyLimit records
// created since local midnight. The count is read fresh on every call.
func (e *Enforcer) Check(ctx context.Context, userID int64) error {
	n, err := e.Used(ctx, userID)
	if err != nil {
		return err
	}
	if n >= DailyLimit {
		return chat.ErrQuotaExceeded
	}
	return nil
}

// CountsToday reports whether a record created at t falls in the current
// local day and so is already part of today's count.
func (e *Enforcer) CountsToday(t time.Time) bool {
	return !t.Before(StartOfDay(e.now(), e.loc))
}

// Used returns how many records the user created today.
func (e *Enforcer) Used(ctx context.Context, userID int64) (int, error) {
	since := StartOfDay(e.now(), e.loc)
	n, err := e.counter.CountChatsSince(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("count today's chats: %w", err)
	}
	return n, nil
}
