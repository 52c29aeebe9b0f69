package statemachine_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/statemachine"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/clock"
)

var start = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type MachineSuite struct {
	suite.Suite
	clock   *clock.FakeClock
	machine *statemachine.Machine
	holder  id.HolderID
	pending models.Reservation
}

func TestMachineSuite(t *testing.T) {
	suite.Run(t, new(MachineSuite))
}

func (s *MachineSuite) SetupTest() {
	s.clock = clock.Fake(start.Add(-72 * time.Hour))
	s.machine = statemachine.New(s.clock)
	s.holder = id.HolderID(uuid.New())
	s.pending = models.Reservation{
		ID:       id.NewReservationID(),
		SpaceID:  id.SpaceID(uuid.New()),
		HolderID: s.holder,
		Window:   models.TimeWindow{Start: start, End: start.Add(2 * time.Hour)},
		Status:   models.StatusPending,
	}
}

func (s *MachineSuite) withStatus(st models.Status) models.Reservation {
	r := s.pending
	r.Status = st
	return r
}

// =============================================================================
// Confirm / Complete
// =============================================================================

func (s *MachineSuite) TestConfirm() {
	s.Run("pending becomes confirmed", func() {
		got, err := s.machine.Confirm(s.pending)
		s.Require().NoError(err)
		s.Equal(models.StatusConfirmed, got.Status)
		s.Equal(s.clock.Now(), *got.ConfirmedAt)
		s.Equal(models.StatusPending, s.pending.Status, "input snapshot untouched")
	})

	for _, st := range []models.Status{models.StatusConfirmed, models.StatusCompleted, models.StatusCancelled} {
		s.Run("rejects "+st.String(), func() {
			in := s.withStatus(st)
			got, err := s.machine.Confirm(in)
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
			s.Equal(in, got)
		})
	}
}

func (s *MachineSuite) TestComplete() {
	got, err := s.machine.Complete(s.withStatus(models.StatusConfirmed))
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
	s.NotNil(got.CompletedAt)

	_, err = s.machine.Complete(s.pending)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
}

// =============================================================================
// Cancel
// =============================================================================

func (s *MachineSuite) TestCancelNoticeWindow() {
	confirmed := s.withStatus(models.StatusConfirmed)

	s.Run("holder one minute before start is refused", func() {
		s.clock.Set(start.Add(-time.Minute))
		got, err := s.machine.Cancel(confirmed, models.HolderActor(s.holder), "changed plans")
		s.True(dErrors.HasCode(err, dErrors.CodeCancellationNotAllowed))
		s.Equal(confirmed, got)
	})

	s.Run("admin one minute before start succeeds", func() {
		s.clock.Set(start.Add(-time.Minute))
		got, err := s.machine.Cancel(confirmed, models.AdminActor(id.HolderID(uuid.New())), "venue flooded")
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, got.Status)
		s.Equal(models.ActorAdmin, got.CancelledBy)
		s.Equal("venue flooded", got.CancellationReason)
	})

	s.Run("holder exactly at the notice deadline succeeds", func() {
		s.clock.Set(start.Add(-statemachine.DefaultMinCancellationNotice))
		got, err := s.machine.Cancel(s.pending, models.HolderActor(s.holder), "")
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, got.Status)
		s.Equal(models.ActorHolder, got.CancelledBy)
	})

	s.Run("custom notice applies", func() {
		m := statemachine.New(s.clock, statemachine.WithMinCancellationNotice(time.Hour))
		s.clock.Set(start.Add(-2 * time.Hour))
		_, err := m.Cancel(s.pending, models.HolderActor(s.holder), "")
		s.NoError(err)
	})
}

func (s *MachineSuite) TestCancelRules() {
	s.Run("holder cannot cancel someone else's reservation", func() {
		_, err := s.machine.Cancel(s.pending, models.HolderActor(id.HolderID(uuid.New())), "")
		s.True(dErrors.HasCode(err, dErrors.CodeCancellationNotAllowed))
	})

	s.Run("terminal states reject even admins", func() {
		for _, st := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
			_, err := s.machine.Cancel(s.withStatus(st), models.AdminActor(id.HolderID(uuid.New())), "")
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition), st)
		}
	})
}

// =============================================================================
// AutoExpire
// =============================================================================

func (s *MachineSuite) TestAutoExpire() {
	s.Run("pending past start is cancelled with a system reason", func() {
		now := start.Add(5 * time.Minute)
		got, err := s.machine.AutoExpire(s.pending, now)
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, got.Status)
		s.Equal(models.ActorSystem, got.CancelledBy)
		s.Equal("auto-expired: hold not confirmed before start at 2026-05-04T10:00:00Z", got.CancellationReason)
		s.Equal(now, *got.CancelledAt)
	})

	s.Run("pending exactly at start expires", func() {
		_, err := s.machine.AutoExpire(s.pending, start)
		s.NoError(err)
	})

	s.Run("pending before start is left alone", func() {
		got, err := s.machine.AutoExpire(s.pending, start.Add(-time.Second))
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
		s.Equal(s.pending, got)
	})

	for _, st := range []models.Status{models.StatusConfirmed, models.StatusCompleted, models.StatusCancelled} {
		s.Run("rejects "+st.String(), func() {
			in := s.withStatus(st)
			got, err := s.machine.AutoExpire(in, start.Add(time.Hour))
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
			s.Equal(in, got)
		})
	}
}

// =============================================================================
// MarkAttendance
// =============================================================================

func (s *MachineSuite) TestMarkAttendancePromoteToConfirmed() {
	now := start.Add(-10 * time.Minute)

	s.Run("pending is promoted to confirmed", func() {
		got, changed, err := s.machine.MarkAttendance(s.pending, now)
		s.Require().NoError(err)
		s.True(changed)
		s.Equal(models.StatusConfirmed, got.Status)
		s.True(got.AttendanceConfirmed)
		s.Equal(now, *got.AttendanceConfirmedAt)

		again, changed, err := s.machine.MarkAttendance(got, now.Add(5*time.Minute))
		s.Require().NoError(err)
		s.False(changed)
		s.Equal(got, again)
	})

	s.Run("confirmed stays confirmed", func() {
		got, _, err := s.machine.MarkAttendance(s.withStatus(models.StatusConfirmed), now)
		s.Require().NoError(err)
		s.Equal(models.StatusConfirmed, got.Status)
		s.True(got.AttendanceConfirmed)
	})
}

func (s *MachineSuite) TestMarkAttendancePromoteToCompleted() {
	m := statemachine.New(s.clock, statemachine.WithAttendancePolicy(statemachine.PromoteToCompleted))
	now := start.Add(time.Minute)

	for _, st := range []models.Status{models.StatusPending, models.StatusConfirmed} {
		s.Run(st.String()+" becomes completed", func() {
			got, changed, err := m.MarkAttendance(s.withStatus(st), now)
			s.Require().NoError(err)
			s.True(changed)
			s.Equal(models.StatusCompleted, got.Status)
			s.True(got.AttendanceConfirmed)
			s.NotNil(got.ConfirmedAt)
			s.NoError(got.Validate())
		})
	}
}

func (s *MachineSuite) TestMarkAttendanceWindow() {
	tests := []struct {
		name string
		now  time.Time
		ok   bool
	}{
		{"before grace", start.Add(-31 * time.Minute), false},
		{"grace boundary", start.Add(-30 * time.Minute), true},
		{"during", start.Add(time.Hour), true},
		{"at end", start.Add(2 * time.Hour), true},
		{"after end", start.Add(2*time.Hour + time.Second), false},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			got, _, err := s.machine.MarkAttendance(s.pending, tt.now)
			if tt.ok {
				s.NoError(err)
				return
			}
			s.True(dErrors.HasCode(err, dErrors.CodeAttendanceWindowClosed))
			s.Equal(s.pending, got)
		})
	}
}

func (s *MachineSuite) TestMarkAttendanceRejectsTerminal() {
	for _, st := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		_, _, err := s.machine.MarkAttendance(s.withStatus(st), start)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition), st)
	}
}

func TestParseAttendancePolicy(t *testing.T) {
	p, err := statemachine.ParseAttendancePolicy("")
	if err != nil || p != statemachine.PromoteToConfirmed {
		t.Fatalf("empty policy: got %q, %v", p, err)
	}
	p, err = statemachine.ParseAttendancePolicy("complete")
	if err != nil || p != statemachine.PromoteToCompleted {
		t.Fatalf("complete policy: got %q, %v", p, err)
	}
	if _, err := statemachine.ParseAttendancePolicy("skip"); !dErrors.HasCode(err, dErrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
