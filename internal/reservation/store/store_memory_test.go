package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/service"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/sentinel"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	space id.SpaceID
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.space = id.SpaceID(uuid.New())
}

func (s *InMemoryStoreSuite) newReservation(start time.Time, d time.Duration) *models.Reservation {
	r, err := models.NewReservation(id.NewReservationID(), s.space, id.HolderID(uuid.New()),
		models.TimeWindow{Start: start, End: start.Add(d)}, t0.Add(-72*time.Hour))
	s.Require().NoError(err)
	return r
}

func (s *InMemoryStoreSuite) TestCreateAndFind() {
	s.Run("creates at version 1 and finds by id", func() {
		r := s.newReservation(t0, time.Hour)
		s.Require().NoError(s.store.Create(s.ctx, r))
		s.Equal(int64(1), r.Version)

		found, err := s.store.FindByID(s.ctx, r.ID)
		s.Require().NoError(err)
		s.Equal(*r, *found)
	})

	s.Run("unknown id is not found", func() {
		_, err := s.store.FindByID(s.ctx, id.NewReservationID())
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestCreateRejectsOverlap() {
	first := s.newReservation(t0, 2*time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, first))

	s.Run("overlapping window conflicts", func() {
		err := s.store.Create(s.ctx, s.newReservation(t0.Add(time.Hour), 2*time.Hour))
		s.Require().ErrorIs(err, sentinel.ErrConflict)
	})

	s.Run("adjacent window is accepted", func() {
		s.Require().NoError(s.store.Create(s.ctx, s.newReservation(t0.Add(2*time.Hour), time.Hour)))
	})

	s.Run("cancelled rows free the slot", func() {
		first.ApplyCancel(t0.Add(-time.Hour), models.ActorAdmin, "")
		s.Require().NoError(s.store.Save(s.ctx, first))
		s.Require().NoError(s.store.Create(s.ctx, s.newReservation(t0.Add(time.Hour), time.Hour)))
	})
}

func (s *InMemoryStoreSuite) TestSaveVersioning() {
	r := s.newReservation(t0, time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, r))

	stale := *r
	r.ApplyConfirm(t0.Add(-time.Hour))
	s.Require().NoError(s.store.Save(s.ctx, r))
	s.Equal(int64(2), r.Version)

	stale.ApplyCancel(t0.Add(-time.Hour), models.ActorAdmin, "")
	s.Require().ErrorIs(s.store.Save(s.ctx, &stale), sentinel.ErrConflict)

	found, err := s.store.FindByID(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, found.Status)

	missing := s.newReservation(t0.Add(5*time.Hour), time.Hour)
	s.Require().ErrorIs(s.store.Save(s.ctx, missing), sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestSaveAllReportsRowFailures() {
	a := s.newReservation(t0, time.Hour)
	b := s.newReservation(t0.Add(time.Hour), time.Hour)
	s.Require().NoError(s.store.Create(s.ctx, a))
	s.Require().NoError(s.store.Create(s.ctx, b))

	staleB := *b
	staleB.Version = 7
	a.ApplyCancel(t0, models.ActorSystem, "expired")
	staleB.ApplyCancel(t0, models.ActorSystem, "expired")

	failures, err := s.store.SaveAll(s.ctx, []models.Reservation{*a, staleB})
	s.Require().NoError(err)
	s.Require().Len(failures, 1)
	s.Equal(b.ID, failures[0].ID)
	s.ErrorIs(failures[0], sentinel.ErrConflict)

	gotA, _ := s.store.FindByID(s.ctx, a.ID)
	gotB, _ := s.store.FindByID(s.ctx, b.ID)
	s.Equal(models.StatusCancelled, gotA.Status)
	s.Equal(models.StatusPending, gotB.Status)
}

func (s *InMemoryStoreSuite) TestFindPendingExpired() {
	past := s.newReservation(t0.Add(-2*time.Hour), time.Hour)
	older := s.newReservation(t0.Add(-5*time.Hour), time.Hour)
	future := s.newReservation(t0.Add(time.Hour), time.Hour)
	confirmed := s.newReservation(t0.Add(-4*time.Hour), time.Hour)
	confirmed.ApplyConfirm(t0.Add(-48 * time.Hour))
	for _, r := range []*models.Reservation{past, older, future, confirmed} {
		s.Require().NoError(s.store.Create(s.ctx, r))
	}

	got, err := s.store.FindPendingExpired(s.ctx, t0, models.ExpiryCursor{}, 0)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(older.ID, got[0].ID)
	s.Equal(past.ID, got[1].ID)

	s.Run("limit caps the page", func() {
		page, err := s.store.FindPendingExpired(s.ctx, t0, models.ExpiryCursor{}, 1)
		s.Require().NoError(err)
		s.Require().Len(page, 1)
		s.Equal(older.ID, page[0].ID)
	})

	s.Run("cursor resumes after the last row", func() {
		page, err := s.store.FindPendingExpired(s.ctx, t0, models.CursorAfter(got[0]), 1)
		s.Require().NoError(err)
		s.Require().Len(page, 1)
		s.Equal(past.ID, page[0].ID)

		page, err = s.store.FindPendingExpired(s.ctx, t0, models.CursorAfter(got[1]), 1)
		s.Require().NoError(err)
		s.Empty(page)
	})
}

func (s *InMemoryStoreSuite) TestFindPendingExpiredBreaksTiesByID() {
	start := t0.Add(-time.Hour)
	var holds []*models.Reservation
	for i := 0; i < 3; i++ {
		r := s.newReservation(start, time.Hour)
		r.SpaceID = id.SpaceID(uuid.New())
		s.Require().NoError(s.store.Create(s.ctx, r))
		holds = append(holds, r)
	}

	var seen []id.ReservationID
	cursor := models.ExpiryCursor{}
	for {
		page, err := s.store.FindPendingExpired(s.ctx, t0, cursor, 1)
		s.Require().NoError(err)
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].ID)
		cursor = models.CursorAfter(page[0])
	}

	s.Require().Len(seen, 3)
	for i := 1; i < len(seen); i++ {
		s.Negative(models.CompareIDs(seen[i-1], seen[i]))
	}
}

func (s *InMemoryStoreSuite) TestAvailabilityReads() {
	s.Run("spaces without a schedule are always open", func() {
		h, err := s.store.FindOperatingHours(s.ctx, s.space)
		s.Require().NoError(err)
		s.Equal(models.AlwaysOpen(), h)
	})

	s.Run("configured schedule and closures are returned", func() {
		hours := models.Daily(models.DailyHours{Open: 480, Close: 1080})
		s.store.SetOperatingHours(s.space, hours)
		closure := models.Closure{ID: id.ClosureID(uuid.New()), SpaceID: s.space, Window: models.TimeWindow{Start: t0, End: t0.Add(time.Hour)}}
		s.store.AddClosure(closure)

		h, err := s.store.FindOperatingHours(s.ctx, s.space)
		s.Require().NoError(err)
		s.Equal(hours, h)

		cs, err := s.store.FindClosures(s.ctx, s.space, models.TimeWindow{Start: t0.Add(30 * time.Minute), End: t0.Add(2 * time.Hour)})
		s.Require().NoError(err)
		s.Equal([]models.Closure{closure}, cs)

		cs, err = s.store.FindClosures(s.ctx, s.space, models.TimeWindow{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)})
		s.Require().NoError(err)
		s.Empty(cs)
	})
}

func (s *InMemoryStoreSuite) TestRunInSpaceTx() {
	s.Run("cancelled context aborts with timeout code", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		cancel()
		err := s.store.RunInSpaceTx(ctx, s.space, func(service.Store) error { return nil })
		s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	})

	s.Run("serializes callers for the same space", func() {
		var (
			mu      sync.Mutex
			inside  int
			maxSeen int
			wg      sync.WaitGroup
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.store.RunInSpaceTx(s.ctx, s.space, func(service.Store) error {
					mu.Lock()
					inside++
					if inside > maxSeen {
						maxSeen = inside
					}
					mu.Unlock()
					time.Sleep(time.Millisecond)
					mu.Lock()
					inside--
					mu.Unlock()
					return nil
				})
			}()
		}
		wg.Wait()
		s.Equal(1, maxSeen)
	})
}
