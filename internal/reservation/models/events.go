package models

import (
	"time"

	id "spacebook/pkg/domain"
)

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventCreated             EventKind = "reservation.created"
	EventConfirmed           EventKind = "reservation.confirmed"
	EventCancelled           EventKind = "reservation.cancelled"
	EventExpired             EventKind = "reservation.expired"
	EventAttendanceValidated EventKind = "reservation.attendance_validated"
	EventCompleted           EventKind = "reservation.completed"
)

// Event is published after a successful transition.
type Event struct {
	Kind          EventKind        `json:"kind"`
	ReservationID id.ReservationID `json:"reservation_id"`
	SpaceID       id.SpaceID       `json:"space_id"`
	HolderID      id.HolderID      `json:"holder_id"`
	Window        TimeWindow       `json:"window"`
	Status        Status           `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// NewEvent snapshots r for a notification.
func NewEvent(kind EventKind, r *Reservation, occurredAt time.Time) Event {
	return Event{
		Kind:          kind,
		ReservationID: r.ID,
		SpaceID:       r.SpaceID,
		HolderID:      r.HolderID,
		Window:        r.Window,
		Status:        r.Status,
		Reason:        r.CancellationReason,
		OccurredAt:    occurredAt,
	}
}
