package service

import (
	"context"
	"time"

	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/token"
	id "spacebook/pkg/domain"
)

// Store is the persistence gateway. It returns sentinel errors:
// ErrNotFound for unknown rows and ErrConflict for a lost write race.
type Store interface {
	FindByID(ctx context.Context, reservationID id.ReservationID) (*models.Reservation, error)
	// FindOverlapCandidates returns slot-occupying reservations of the space
	// that overlap window.
	FindOverlapCandidates(ctx context.Context, spaceID id.SpaceID, window models.TimeWindow) ([]models.Reservation, error)
	FindClosures(ctx context.Context, spaceID id.SpaceID, window models.TimeWindow) ([]models.Closure, error)
	FindOperatingHours(ctx context.Context, spaceID id.SpaceID) (models.WeeklySchedule, error)
	// Create inserts a PENDING row and rejects it with ErrConflict when it
	// would overlap a slot-occupying row committed in the meantime.
	Create(ctx context.Context, r *models.Reservation) error
	// Save writes r when the stored version equals r.Version and bumps it.
	Save(ctx context.Context, r *models.Reservation) error
	// RunInSpaceTx serializes fn against every other call for the same space.
	RunInSpaceTx(ctx context.Context, spaceID id.SpaceID, fn func(store Store) error) error
}

// Notifier receives lifecycle events. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

type TokenService interface {
	Issue(reservationID id.ReservationID, holderID id.HolderID, spaceID id.SpaceID, issuedAt time.Time) (string, error)
	Verify(tokenString string, reservationID id.ReservationID) bool
	Parse(tokenString string) (*token.Claims, error)
}
