// Package statemachine applies reservation transitions to snapshots.
//
// Every transition takes a Reservation by value and returns the updated copy
// or a coded failure. The input snapshot is never modified and nothing is
// persisted here.
package statemachine

import (
	"fmt"
	"time"

	"spacebook/internal/reservation/models"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/clock"
)

const (
	DefaultMinCancellationNotice = 24 * time.Hour
	DefaultAttendanceGrace       = 30 * time.Minute
)

// AttendancePolicy decides how far a successful attendance promotes a reservation.
type AttendancePolicy string

const (
	// PromoteToConfirmed moves PENDING to CONFIRMED and leaves CONFIRMED alone.
	PromoteToConfirmed AttendancePolicy = "confirm"
	// PromoteToCompleted moves PENDING and CONFIRMED through to COMPLETED.
	PromoteToCompleted AttendancePolicy = "complete"
)

// ParseAttendancePolicy accepts the configured policy name.
func ParseAttendancePolicy(s string) (AttendancePolicy, error) {
	switch p := AttendancePolicy(s); p {
	case PromoteToConfirmed, PromoteToCompleted:
		return p, nil
	case "":
		return PromoteToConfirmed, nil
	default:
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown attendance policy %q", s)
	}
}

// Machine holds the guard configuration shared by all transitions.
type Machine struct {
	clock           clock.Clock
	notice          time.Duration
	attendanceGrace time.Duration
	policy          AttendancePolicy
}

type Option func(*Machine)

// WithMinCancellationNotice sets how long before start a holder may still cancel.
func WithMinCancellationNotice(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.notice = d
		}
	}
}

// WithAttendanceGrace sets how long before start a token is accepted.
func WithAttendanceGrace(d time.Duration) Option {
	return func(m *Machine) {
		if d >= 0 {
			m.attendanceGrace = d
		}
	}
}

func WithAttendancePolicy(p AttendancePolicy) Option {
	return func(m *Machine) {
		if p != "" {
			m.policy = p
		}
	}
}

func New(c clock.Clock, opts ...Option) *Machine {
	if c == nil {
		c = clock.Real()
	}
	m := &Machine{
		clock:           c,
		notice:          DefaultMinCancellationNotice,
		attendanceGrace: DefaultAttendanceGrace,
		policy:          PromoteToConfirmed,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Policy() AttendancePolicy { return m.policy }

// Confirm moves PENDING to CONFIRMED.
func (m *Machine) Confirm(r models.Reservation) (models.Reservation, error) {
	if err := r.CanConfirm(); err != nil {
		return r, err
	}
	r.ApplyConfirm(m.clock.Now())
	return r, nil
}

// Cancel moves PENDING or CONFIRMED to CANCELLED. A holder must own the
// reservation and cancel at least the minimum notice before start; admin and
// system actors skip both checks but not the source-state rule.
func (m *Machine) Cancel(r models.Reservation, actor models.Actor, reason string) (models.Reservation, error) {
	if err := r.CanCancel(); err != nil {
		return r, err
	}
	now := m.clock.Now()
	if !actor.IsPrivileged() {
		if actor.ID != r.HolderID {
			return r, dErrors.New(dErrors.CodeCancellationNotAllowed, "only the holder may cancel this reservation")
		}
		deadline := r.Window.Start.Add(-m.notice)
		if now.After(deadline) {
			return r, dErrors.Newf(dErrors.CodeCancellationNotAllowed,
				"cancellation requires %s notice before %s", m.notice, r.Window.Start.Format(time.RFC3339))
		}
	}
	r.ApplyCancel(now, actor.Kind, reason)
	return r, nil
}

// AutoExpire cancels a PENDING hold whose start has been reached. Any other
// state is rejected; the sweeper treats that as a no-op.
func (m *Machine) AutoExpire(r models.Reservation, now time.Time) (models.Reservation, error) {
	if r.Status != models.StatusPending {
		return r, dErrors.Newf(dErrors.CodeInvalidStateTransition, "cannot expire %s reservation", r.Status)
	}
	if !r.IsExpiredHold(now) {
		return r, dErrors.New(dErrors.CodeInvalidStateTransition, "hold has not reached its start")
	}
	r.ApplyCancel(now, models.ActorSystem, ExpiryReason(r.Window.Start))
	return r, nil
}

// ExpiryReason is the cancellation reason recorded on auto-expired holds.
func ExpiryReason(start time.Time) string {
	return fmt.Sprintf("auto-expired: hold not confirmed before start at %s", start.UTC().Format(time.RFC3339))
}

// Complete moves CONFIRMED to COMPLETED.
func (m *Machine) Complete(r models.Reservation) (models.Reservation, error) {
	if err := r.CanComplete(); err != nil {
		return r, err
	}
	r.ApplyComplete(m.clock.Now())
	return r, nil
}

// AttendanceWindow is [start - grace, end] for r.
func (m *Machine) AttendanceWindow(r models.Reservation) (from, to time.Time) {
	return r.Window.Start.Add(-m.attendanceGrace), r.Window.End
}

// MarkAttendance records attendance at now and promotes per policy. The
// bool is false when attendance was already recorded; the snapshot is then
// returned unchanged.
func (m *Machine) MarkAttendance(r models.Reservation, now time.Time) (models.Reservation, bool, error) {
	if r.AttendanceConfirmed {
		return r, false, nil
	}
	if r.Status != models.StatusPending && r.Status != models.StatusConfirmed {
		return r, false, dErrors.Newf(dErrors.CodeInvalidStateTransition, "cannot record attendance on %s reservation", r.Status)
	}
	from, to := m.AttendanceWindow(r)
	if now.Before(from) || now.After(to) {
		return r, false, dErrors.Newf(dErrors.CodeAttendanceWindowClosed,
			"attendance accepted between %s and %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	if r.Status == models.StatusPending {
		r.ApplyConfirm(now)
	}
	r.ApplyAttendance(now)
	if m.policy == PromoteToCompleted {
		r.ApplyComplete(now)
	}
	return r, true, nil
}
