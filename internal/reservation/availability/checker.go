// Package availability decides whether a window for a space is free.
//
// The checker is pure: it reads the current time from its clock and
// everything else from the snapshot it is handed. Deciding does not reserve;
// the caller must check and create inside the store's per-space transaction.
package availability

import (
	"time"

	"spacebook/internal/reservation/models"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/clock"
)

// Reason explains a decision.
type Reason string

const (
	ReasonAvailable     Reason = "available"
	ReasonInvalidWindow Reason = "invalid_window"
	ReasonNotInFuture   Reason = "not_in_future"
	ReasonOverlap       Reason = "overlap"
	ReasonClosure       Reason = "closure"
	ReasonOutsideHours  Reason = "outside_operating_hours"
)

// Decision is the outcome of a check. Conflicts and ClosureIDs are filled for
// ReasonOverlap and ReasonClosure respectively.
type Decision struct {
	Available  bool
	Reason     Reason
	Conflicts  []id.ReservationID
	ClosureIDs []id.ClosureID
}

// Err maps an unavailable decision to its coded error, nil when available.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonAvailable:
		return nil
	case ReasonInvalidWindow:
		return dErrors.New(dErrors.CodeInvalidTimeWindow, "window end must be after start")
	case ReasonNotInFuture:
		return dErrors.New(dErrors.CodeInvalidTimeWindow, "window must start in the future")
	case ReasonOverlap:
		return dErrors.New(dErrors.CodeSlotUnavailable, "window overlaps an existing reservation")
	case ReasonClosure:
		return dErrors.New(dErrors.CodeSlotUnavailable, "space is closed during the window")
	case ReasonOutsideHours:
		return dErrors.New(dErrors.CodeSlotUnavailable, "window is outside operating hours")
	default:
		return dErrors.Newf(dErrors.CodeInternal, "unknown availability reason %q", d.Reason)
	}
}

type Checker struct {
	clock clock.Clock
}

// New creates a checker. A nil clock falls back to the system clock.
func New(c clock.Clock) *Checker {
	if c == nil {
		c = clock.Real()
	}
	return &Checker{clock: c}
}

// Check applies the rules in order and returns the first failing one.
func (c *Checker) Check(candidate models.TimeWindow, snapshot models.SpaceAvailabilityContext) Decision {
	if err := candidate.Validate(); err != nil {
		return Decision{Reason: ReasonInvalidWindow}
	}
	if !candidate.Start.After(c.clock.Now()) {
		return Decision{Reason: ReasonNotInFuture}
	}

	var conflicts []id.ReservationID
	for i := range snapshot.Reservations {
		r := &snapshot.Reservations[i]
		if r.OccupiesSlot() && r.Window.Overlaps(candidate) {
			conflicts = append(conflicts, r.ID)
		}
	}
	if len(conflicts) > 0 {
		return Decision{Reason: ReasonOverlap, Conflicts: conflicts}
	}

	var closures []id.ClosureID
	for _, cl := range snapshot.Closures {
		if cl.Window.Overlaps(candidate) {
			closures = append(closures, cl.ID)
		}
	}
	if len(closures) > 0 {
		return Decision{Reason: ReasonClosure, ClosureIDs: closures}
	}

	if !WithinHours(candidate, snapshot.Hours) {
		return Decision{Reason: ReasonOutsideHours}
	}
	return Decision{Available: true, Reason: ReasonAvailable}
}

// WithinHours reports whether every local-day segment of w fits inside one
// opening interval of its weekday. Segments are split at local midnight.
func WithinHours(w models.TimeWindow, hours models.WeeklySchedule) bool {
	loc := hours.Loc()
	cur := w.Start.In(loc)
	end := w.End.In(loc)
	for cur.Before(end) {
		y, m, d := cur.Date()
		midnight := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
		segEnd := end
		var to int
		if !end.Before(midnight) {
			segEnd = midnight
			to = models.MinutesPerDay
		} else {
			to = ceilMinutes(segEnd)
		}
		from := cur.Hour()*60 + cur.Minute()
		if !coveredBy(hours.Hours(cur.Weekday()), from, to) {
			return false
		}
		cur = segEnd
	}
	return true
}

func coveredBy(intervals []models.DailyHours, from, to int) bool {
	for _, h := range intervals {
		if h.Covers(from, to) {
			return true
		}
	}
	return false
}

// ceilMinutes rounds a wall-clock time up to the next whole minute.
func ceilMinutes(t time.Time) int {
	m := t.Hour()*60 + t.Minute()
	if t.Second() > 0 || t.Nanosecond() > 0 {
		m++
	}
	return m
}
