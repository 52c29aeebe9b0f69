package models

import (
	"bytes"
	"fmt"
	"time"

	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
)

// Reservation is a holder's claim on a space for a window.
//
// Pointer timestamps are replaced on transition, never written through, so a
// shallow copy is an independent snapshot.
type Reservation struct {
	ID                    id.ReservationID `json:"id"`
	SpaceID               id.SpaceID       `json:"space_id"`
	HolderID              id.HolderID      `json:"holder_id"`
	Window                TimeWindow       `json:"window"`
	Status                Status           `json:"status"`
	CancellationReason    string           `json:"cancellation_reason,omitempty"`
	CancelledBy           ActorKind        `json:"cancelled_by,omitempty"`
	AttendanceConfirmed   bool             `json:"attendance_confirmed"`
	AttendanceConfirmedAt *time.Time       `json:"attendance_confirmed_at,omitempty"`
	AttendanceToken       string           `json:"-"`
	ConfirmedAt           *time.Time       `json:"confirmed_at,omitempty"`
	CancelledAt           *time.Time       `json:"cancelled_at,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	Version               int64            `json:"version"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// NewReservation builds a PENDING reservation.
func NewReservation(rid id.ReservationID, spaceID id.SpaceID, holderID id.HolderID, window TimeWindow, now time.Time) (*Reservation, error) {
	if rid.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "reservation id cannot be nil")
	}
	if spaceID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "space id cannot be nil")
	}
	if holderID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "holder id cannot be nil")
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}
	return &Reservation{
		ID:        rid,
		SpaceID:   spaceID,
		HolderID:  holderID,
		Window:    window,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *Reservation) OccupiesSlot() bool { return r.Status.OccupiesSlot() }

func (r *Reservation) IsPending() bool   { return r.Status == StatusPending }
func (r *Reservation) IsConfirmed() bool { return r.Status == StatusConfirmed }

// IsExpiredHold is true for a PENDING reservation whose start has been reached.
func (r *Reservation) IsExpiredHold(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.Window.Start)
}

func (r *Reservation) CanConfirm() error {
	return r.canMoveTo(StatusConfirmed)
}

func (r *Reservation) ApplyConfirm(now time.Time) {
	r.Status = StatusConfirmed
	r.ConfirmedAt = timePtr(now)
	r.UpdatedAt = now
}

// CanCancel checks the source state only; notice rules belong to the caller.
func (r *Reservation) CanCancel() error {
	return r.canMoveTo(StatusCancelled)
}

func (r *Reservation) ApplyCancel(now time.Time, by ActorKind, reason string) {
	r.Status = StatusCancelled
	r.CancelledBy = by
	r.CancellationReason = reason
	r.CancelledAt = timePtr(now)
	r.UpdatedAt = now
}

func (r *Reservation) CanComplete() error {
	return r.canMoveTo(StatusCompleted)
}

func (r *Reservation) ApplyComplete(now time.Time) {
	r.Status = StatusCompleted
	r.CompletedAt = timePtr(now)
	r.UpdatedAt = now
}

// ApplyAttendance records the first successful presentation only.
func (r *Reservation) ApplyAttendance(now time.Time) {
	if r.AttendanceConfirmed {
		return
	}
	r.AttendanceConfirmed = true
	r.AttendanceConfirmedAt = timePtr(now)
	r.UpdatedAt = now
}

// Validate checks the invariants a persisted reservation must hold.
func (r *Reservation) Validate() error {
	if err := r.Window.Validate(); err != nil {
		return err
	}
	if !r.Status.IsValid() {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "unknown status %q", r.Status)
	}
	if r.AttendanceConfirmed && r.Status != StatusConfirmed && r.Status != StatusCompleted {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "attendance confirmed on %s reservation", r.Status)
	}
	return nil
}

func (r *Reservation) canMoveTo(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvalidStateTransition,
			fmt.Sprintf("cannot move reservation from %s to %s", r.Status, next))
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

// SpaceAvailabilityContext is the read-only snapshot an availability decision
// is made against. Reservations holds only slot-occupying rows for the space.
type SpaceAvailabilityContext struct {
	SpaceID      id.SpaceID
	Reservations []Reservation
	Closures     []Closure
	Hours        WeeklySchedule
}

// RowError reports one failed row of a batch write.
type RowError struct {
	ID  id.ReservationID
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("reservation %s: %v", e.ID, e.Err) }

func (e RowError) Unwrap() error { return e.Err }

// ExpiryCursor is a keyset position over expired holds ordered by
// (start, id). The zero value starts from the oldest hold.
type ExpiryCursor struct {
	Start time.Time
	ID    id.ReservationID
}

// CursorAfter positions a cursor just past r.
func CursorAfter(r Reservation) ExpiryCursor {
	return ExpiryCursor{Start: r.Window.Start, ID: r.ID}
}

func (c ExpiryCursor) IsZero() bool { return c.Start.IsZero() && c.ID.IsNil() }

// Passed reports whether r sorts at or before the cursor position.
func (c ExpiryCursor) Passed(r Reservation) bool {
	if c.IsZero() {
		return false
	}
	if !r.Window.Start.Equal(c.Start) {
		return r.Window.Start.Before(c.Start)
	}
	return CompareIDs(r.ID, c.ID) <= 0
}

// CompareIDs orders ids bytewise, matching how Postgres orders uuid columns.
func CompareIDs(a, b id.ReservationID) int {
	return bytes.Compare(a[:], b[:])
}
