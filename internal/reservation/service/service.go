// Package service is the reservation lifecycle engine callers talk to.
//
// It composes the availability checker, the state machine and the token
// service over a Store. Creation runs inside the store's per-space
// serialization point; later transitions rely on the stored version.
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"spacebook/internal/reservation/availability"
	"spacebook/internal/reservation/metrics"
	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/statemachine"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/clock"
	"spacebook/pkg/platform/sentinel"
)

const tracerName = "spacebook/internal/reservation/service"

// Service orchestrates reservation creation and transitions.
type Service struct {
	store    Store
	tokens   TokenService
	checker  *availability.Checker
	machine  *statemachine.Machine
	clock    clock.Clock
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	machineOpts []statemachine.Option
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithMinCancellationNotice sets how long before start a holder may cancel.
func WithMinCancellationNotice(d time.Duration) Option {
	return func(s *Service) {
		s.machineOpts = append(s.machineOpts, statemachine.WithMinCancellationNotice(d))
	}
}

func WithAttendanceGrace(d time.Duration) Option {
	return func(s *Service) {
		s.machineOpts = append(s.machineOpts, statemachine.WithAttendanceGrace(d))
	}
}

func WithAttendancePolicy(p statemachine.AttendancePolicy) Option {
	return func(s *Service) {
		s.machineOpts = append(s.machineOpts, statemachine.WithAttendancePolicy(p))
	}
}

// New constructs a Service. Store and token service are required.
func New(store Store, tokens TokenService, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("reservation store is required")
	}
	if tokens == nil {
		return nil, errors.New("token service is required")
	}
	s := &Service{store: store, tokens: tokens}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.checker = availability.New(s.clock)
	s.machine = statemachine.New(s.clock, s.machineOpts...)
	return s, nil
}

// Machine exposes the configured state machine so the expiry sweeper shares
// the same guards.
func (s *Service) Machine() *statemachine.Machine { return s.machine }

// RequestInput describes a booking request.
type RequestInput struct {
	SpaceID  id.SpaceID
	HolderID id.HolderID
	Window   models.TimeWindow
}

func (in RequestInput) validate() error {
	if in.SpaceID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "space id is required")
	}
	if in.HolderID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "holder id is required")
	}
	return in.Window.Validate()
}

// RequestReservation checks the window and creates a PENDING reservation
// carrying its attendance token.
func (s *Service) RequestReservation(ctx context.Context, in RequestInput) (_ *models.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "RequestReservation",
		attribute.String("space_id", in.SpaceID.String()),
		attribute.String("holder_id", in.HolderID.String()))
	defer func() { endSpan(span, err) }()

	if err := in.validate(); err != nil {
		s.metrics.IncRequest("invalid_request")
		return nil, err
	}

	var created *models.Reservation
	err = s.store.RunInSpaceTx(ctx, in.SpaceID, func(tx Store) error {
		snapshot, err := loadAvailability(ctx, tx, in.SpaceID, in.Window)
		if err != nil {
			return err
		}
		decision := s.checker.Check(in.Window, snapshot)
		if !decision.Available {
			s.metrics.IncRequest(string(decision.Reason))
			s.logger.InfoContext(ctx, "reservation request rejected",
				"space_id", in.SpaceID,
				"holder_id", in.HolderID,
				"reason", decision.Reason,
			)
			return decision.Err()
		}

		now := s.clock.Now()
		r, err := models.NewReservation(id.NewReservationID(), in.SpaceID, in.HolderID, in.Window, now)
		if err != nil {
			return err
		}
		r.AttendanceToken, err = s.tokens.Issue(r.ID, r.HolderID, r.SpaceID, now)
		if err != nil {
			return err
		}
		if err := tx.Create(ctx, r); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				s.metrics.IncRequest("lost_race")
				return dErrors.Wrap(err, dErrors.CodeSlotNoLongerAvailable, "slot was taken by a concurrent request")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create reservation")
		}
		created = r
		return nil
	})
	if err != nil {
		var de *dErrors.Error
		if !errors.As(err, &de) {
			err = dErrors.Wrap(err, dErrors.CodeInternal, "reservation transaction failed")
		}
		return nil, err
	}

	s.metrics.IncRequest("created")
	s.logger.InfoContext(ctx, "reservation created",
		"reservation_id", created.ID,
		"space_id", created.SpaceID,
		"holder_id", created.HolderID,
		"start", created.Window.Start,
		"end", created.Window.End,
	)
	s.notify(ctx, models.EventCreated, created)
	return created, nil
}

// CheckAvailability previews a decision without reserving anything.
func (s *Service) CheckAvailability(ctx context.Context, spaceID id.SpaceID, window models.TimeWindow) (_ availability.Decision, err error) {
	ctx, span := s.startSpan(ctx, "CheckAvailability", attribute.String("space_id", spaceID.String()))
	defer func() { endSpan(span, err) }()

	if spaceID.IsNil() {
		return availability.Decision{}, dErrors.New(dErrors.CodeValidation, "space id is required")
	}
	if err := window.Validate(); err != nil {
		return s.checker.Check(window, models.SpaceAvailabilityContext{SpaceID: spaceID}), nil
	}
	snapshot, err := loadAvailability(ctx, s.store, spaceID, window)
	if err != nil {
		return availability.Decision{}, err
	}
	return s.checker.Check(window, snapshot), nil
}

func (s *Service) GetReservation(ctx context.Context, reservationID id.ReservationID) (_ *models.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "GetReservation", attribute.String("reservation_id", reservationID.String()))
	defer func() { endSpan(span, err) }()
	return s.find(ctx, reservationID)
}

// ConfirmReservation moves a PENDING reservation to CONFIRMED.
func (s *Service) ConfirmReservation(ctx context.Context, reservationID id.ReservationID) (_ *models.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "ConfirmReservation", attribute.String("reservation_id", reservationID.String()))
	defer func() { endSpan(span, err) }()

	return s.transition(ctx, reservationID, models.EventConfirmed, "caller", func(r models.Reservation) (models.Reservation, error) {
		return s.machine.Confirm(r)
	})
}

// CancelReservation cancels on behalf of actor. Holders are bound by the
// cancellation notice; admins are not.
func (s *Service) CancelReservation(ctx context.Context, reservationID id.ReservationID, actor models.Actor, reason string) (_ *models.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "CancelReservation",
		attribute.String("reservation_id", reservationID.String()),
		attribute.String("actor", string(actor.Kind)))
	defer func() { endSpan(span, err) }()

	return s.transition(ctx, reservationID, models.EventCancelled, string(actor.Kind), func(r models.Reservation) (models.Reservation, error) {
		return s.machine.Cancel(r, actor, reason)
	})
}

// CompleteReservation moves a CONFIRMED reservation to COMPLETED.
func (s *Service) CompleteReservation(ctx context.Context, reservationID id.ReservationID) (_ *models.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "CompleteReservation", attribute.String("reservation_id", reservationID.String()))
	defer func() { endSpan(span, err) }()

	return s.transition(ctx, reservationID, models.EventCompleted, "system", func(r models.Reservation) (models.Reservation, error) {
		return s.machine.Complete(r)
	})
}

// ValidateAttendance checks a presented token against the reservation and
// records attendance. Presenting it again after success changes nothing.
func (s *Service) ValidateAttendance(ctx context.Context, reservationID id.ReservationID, tokenString string) (_ *models.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "ValidateAttendance", attribute.String("reservation_id", reservationID.String()))
	defer func() { endSpan(span, err) }()

	r, err := s.find(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if !s.tokens.Verify(tokenString, r.ID) {
		s.metrics.IncAttendance("invalid_token")
		return nil, dErrors.New(dErrors.CodeInvalidToken, "token does not match reservation")
	}
	claims, err := s.tokens.Parse(tokenString)
	if err != nil || !claims.Matches(r.HolderID, r.SpaceID) {
		s.metrics.IncAttendance("invalid_token")
		return nil, dErrors.New(dErrors.CodeInvalidToken, "token does not match reservation holder or space")
	}

	next, changed, err := s.machine.MarkAttendance(*r, s.clock.Now())
	if err != nil {
		s.metrics.IncAttendance(string(dErrors.CodeOf(err)))
		return nil, err
	}
	if !changed {
		s.metrics.IncAttendance("repeat")
		return r, nil
	}
	if err := s.save(ctx, &next); err != nil {
		return nil, err
	}

	s.metrics.IncAttendance("accepted")
	if next.Status != r.Status {
		s.metrics.IncTransition(next.Status.String(), "holder")
	}
	s.logger.InfoContext(ctx, "attendance validated",
		"reservation_id", next.ID,
		"space_id", next.SpaceID,
		"status", next.Status,
	)
	s.notify(ctx, models.EventAttendanceValidated, &next)
	return &next, nil
}

// transition loads, applies fn and persists the result with a version check.
func (s *Service) transition(ctx context.Context, reservationID id.ReservationID, kind models.EventKind, actor string, fn func(models.Reservation) (models.Reservation, error)) (*models.Reservation, error) {
	r, err := s.find(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	next, err := fn(*r)
	if err != nil {
		return nil, err
	}
	if err := s.save(ctx, &next); err != nil {
		return nil, err
	}

	s.metrics.IncTransition(next.Status.String(), actor)
	s.logger.InfoContext(ctx, "reservation "+next.Status.String(),
		"reservation_id", next.ID,
		"space_id", next.SpaceID,
		"from", r.Status,
		"to", next.Status,
	)
	s.notify(ctx, kind, &next)
	return &next, nil
}

func (s *Service) find(ctx context.Context, reservationID id.ReservationID) (*models.Reservation, error) {
	if reservationID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "reservation id is required")
	}
	r, err := s.store.FindByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "reservation not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load reservation")
	}
	return r, nil
}

func (s *Service) save(ctx context.Context, r *models.Reservation) error {
	if err := s.store.Save(ctx, r); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return dErrors.Wrap(err, dErrors.CodeInvalidStateTransition, "reservation changed concurrently")
		case errors.Is(err, sentinel.ErrNotFound):
			return dErrors.New(dErrors.CodeNotFound, "reservation not found")
		default:
			s.logger.ErrorContext(ctx, "failed to save reservation",
				"reservation_id", r.ID,
				"error", err,
			)
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save reservation")
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, kind models.EventKind, r *models.Reservation) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, models.NewEvent(kind, r, s.clock.Now())); err != nil {
		s.logger.WarnContext(ctx, "failed to publish reservation event",
			"event", kind,
			"reservation_id", r.ID,
			"error", err,
		)
	}
}

func loadAvailability(ctx context.Context, store Store, spaceID id.SpaceID, window models.TimeWindow) (models.SpaceAvailabilityContext, error) {
	reservations, err := store.FindOverlapCandidates(ctx, spaceID, window)
	if err != nil {
		return models.SpaceAvailabilityContext{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load reservations")
	}
	closures, err := store.FindClosures(ctx, spaceID, window)
	if err != nil {
		return models.SpaceAvailabilityContext{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load closures")
	}
	hours, err := store.FindOperatingHours(ctx, spaceID)
	if err != nil {
		return models.SpaceAvailabilityContext{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load operating hours")
	}
	return models.SpaceAvailabilityContext{
		SpaceID:      spaceID,
		Reservations: reservations,
		Closures:     closures,
		Hours:        hours,
	}, nil
}

func (s *Service) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "reservation."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}
