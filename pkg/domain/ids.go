package domain

import (
	"github.com/google/uuid"

	dErrors "spacebook/pkg/domain-errors"
)

// Typed identifiers keep reservation, space, holder and closure ids from being
// swapped at call sites. All of them are UUIDs on the wire and in storage.
type (
	ReservationID uuid.UUID
	SpaceID       uuid.UUID
	HolderID      uuid.UUID
	ClosureID     uuid.UUID
)

func (id ReservationID) String() string { return uuid.UUID(id).String() }
func (id ReservationID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id SpaceID) String() string { return uuid.UUID(id).String() }
func (id SpaceID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id HolderID) String() string { return uuid.UUID(id).String() }
func (id HolderID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id ClosureID) String() string { return uuid.UUID(id).String() }
func (id ClosureID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// Text marshalling keeps ids readable in JSON payloads.

func (id ReservationID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id SpaceID) MarshalText() ([]byte, error)       { return uuid.UUID(id).MarshalText() }
func (id HolderID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }
func (id ClosureID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }

func (id *ReservationID) UnmarshalText(b []byte) error { return unmarshalID((*uuid.UUID)(id), b) }
func (id *SpaceID) UnmarshalText(b []byte) error       { return unmarshalID((*uuid.UUID)(id), b) }
func (id *HolderID) UnmarshalText(b []byte) error      { return unmarshalID((*uuid.UUID)(id), b) }
func (id *ClosureID) UnmarshalText(b []byte) error     { return unmarshalID((*uuid.UUID)(id), b) }

func unmarshalID(dst *uuid.UUID, b []byte) error {
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid id")
	}
	*dst = u
	return nil
}

// NewReservationID returns a fresh random reservation id.
func NewReservationID() ReservationID { return ReservationID(uuid.New()) }

// ParseReservationID parses external input into a ReservationID.
func ParseReservationID(s string) (ReservationID, error) {
	u, err := parseID(s, "reservation id")
	return ReservationID(u), err
}

// ParseSpaceID parses external input into a SpaceID.
func ParseSpaceID(s string) (SpaceID, error) {
	u, err := parseID(s, "space id")
	return SpaceID(u), err
}

// ParseHolderID parses external input into a HolderID.
func ParseHolderID(s string) (HolderID, error) {
	u, err := parseID(s, "holder id")
	return HolderID(u), err
}

// ParseClosureID parses external input into a ClosureID.
func ParseClosureID(s string) (ClosureID, error) {
	u, err := parseID(s, "closure id")
	return ClosureID(u), err
}

// parseID enforces the shared invariant: ids are valid, non-nil UUIDs.
func parseID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be nil")
	}
	return u, nil
}
