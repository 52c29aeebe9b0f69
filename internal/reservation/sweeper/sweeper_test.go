package sweeper_test

//go:generate mockgen -source=sweeper.go -destination=mocks/mocks.go -package=mocks Store,Notifier,Lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"spacebook/internal/reservation/metrics"
	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/statemachine"
	"spacebook/internal/reservation/store"
	"spacebook/internal/reservation/sweeper"
	"spacebook/internal/reservation/sweeper/mocks"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/clock"
	"spacebook/pkg/platform/sentinel"
)

// =============================================================================
// Expiry Sweeper Test Suite
// =============================================================================
// Justification for unit tests: partial-failure accounting and single-flight
// behaviour are only reachable by controlling the store's answers.

var now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type SweeperSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	notifier *mocks.MockNotifier
	clock    *clock.FakeClock
	machine  *statemachine.Machine
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func TestSweeperSuite(t *testing.T) {
	suite.Run(t, new(SweeperSuite))
}

func (s *SweeperSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.clock = clock.Fake(now)
	s.machine = statemachine.New(s.clock)
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *SweeperSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *SweeperSuite) newSweeper(st sweeper.Store, opts ...sweeper.Option) *sweeper.Sweeper {
	base := []sweeper.Option{
		sweeper.WithClock(s.clock),
		sweeper.WithLogger(s.logger),
		sweeper.WithNotifier(s.notifier),
		sweeper.WithMetrics(s.metrics),
	}
	sw, err := sweeper.New(st, s.machine, append(base, opts...)...)
	s.Require().NoError(err)
	return sw
}

func pendingHold(start time.Time) models.Reservation {
	window := models.TimeWindow{Start: start, End: start.Add(time.Hour)}
	r, err := models.NewReservation(id.NewReservationID(), id.SpaceID(uuid.New()), id.HolderID(uuid.New()), window, start.Add(-48*time.Hour))
	if err != nil {
		panic(err)
	}
	r.Version = 1
	return *r
}

func (s *SweeperSuite) TestNew() {
	s.Run("requires store", func() {
		_, err := sweeper.New(nil, s.machine)
		s.Require().ErrorContains(err, "reservation store is required")
	})
	s.Run("requires state machine", func() {
		_, err := sweeper.New(store.NewInMemory(), nil)
		s.Require().ErrorContains(err, "state machine is required")
	})
}

func (s *SweeperSuite) TestExpiresStaleHolds() {
	ctx := context.Background()
	mem := store.NewInMemory()
	stale := pendingHold(now.Add(-5 * time.Minute))
	future := pendingHold(now.Add(time.Hour))
	for _, r := range []models.Reservation{stale, future} {
		r := r
		s.Require().NoError(mem.Create(ctx, &r))
	}

	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Cond(func(e models.Event) bool {
		return e.Kind == models.EventExpired && e.ReservationID == stale.ID
	})).Return(nil).Times(1)

	sw := s.newSweeper(mem)

	s.Run("pending hold past its start is cancelled by the system", func() {
		res, err := sw.Sweep(ctx)
		s.Require().NoError(err)
		s.Equal(1, res.Scanned)
		s.Equal(1, res.Expired)
		s.Zero(res.Failed)

		got, err := mem.FindByID(ctx, stale.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, got.Status)
		s.Equal(models.ActorSystem, got.CancelledBy)
		s.Equal(statemachine.ExpiryReason(stale.Window.Start), got.CancellationReason)
		s.Require().NotNil(got.CancelledAt)
		s.Equal(now, *got.CancelledAt)
	})

	s.Run("future hold is untouched", func() {
		got, err := mem.FindByID(ctx, future.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, got.Status)
	})

	s.Run("second sweep changes nothing", func() {
		before, err := mem.FindByID(ctx, stale.ID)
		s.Require().NoError(err)

		res, err := sw.Sweep(ctx)
		s.Require().NoError(err)
		s.Zero(res.Scanned)
		s.Zero(res.Expired)

		after, err := mem.FindByID(ctx, stale.ID)
		s.Require().NoError(err)
		s.Equal(before, after)
	})

	s.Equal(float64(1), testutil.ToFloat64(s.metrics.SweepExpiredTotal))
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.SweepRunsTotal.WithLabelValues("ok")))
}

func (s *SweeperSuite) TestConfirmedHoldsAreNeverExpired() {
	ctx := context.Background()
	mem := store.NewInMemory()
	r := pendingHold(now.Add(-5 * time.Minute))
	s.Require().NoError(mem.Create(ctx, &r))
	confirmed, err := s.machine.Confirm(r)
	s.Require().NoError(err)
	s.Require().NoError(mem.Save(ctx, &confirmed))

	res, err := s.newSweeper(mem).Sweep(ctx)
	s.Require().NoError(err)
	s.Zero(res.Expired)

	got, err := mem.FindByID(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusConfirmed, got.Status)
}

func (s *SweeperSuite) TestPartialFailure() {
	ctx := context.Background()
	st := mocks.NewMockStore(s.ctrl)
	ok := pendingHold(now.Add(-30 * time.Minute))
	raced := pendingHold(now.Add(-20 * time.Minute))
	broken := pendingHold(now.Add(-10 * time.Minute))

	st.EXPECT().FindPendingExpired(gomock.Any(), now, models.ExpiryCursor{}, sweeper.DefaultBatchSize).
		Return([]models.Reservation{ok, raced, broken}, nil)
	st.EXPECT().SaveAll(gomock.Any(), gomock.Len(3)).
		Return([]models.RowError{
			{ID: raced.ID, Err: sentinel.ErrConflict},
			{ID: broken.ID, Err: errors.New("disk full")},
		}, nil)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Cond(func(e models.Event) bool {
		return e.ReservationID == ok.ID
	})).Return(nil)

	res, err := s.newSweeper(st).Sweep(ctx)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Equal(3, res.Scanned)
	s.Equal(1, res.Expired)
	s.Equal(1, res.Stale)
	s.Equal(1, res.Failed)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.SweepFailuresTotal))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.SweepRunsTotal.WithLabelValues("error")))
}

func (s *SweeperSuite) TestStoreErrors() {
	ctx := context.Background()

	s.Run("load failure", func() {
		st := mocks.NewMockStore(s.ctrl)
		st.EXPECT().FindPendingExpired(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(nil, errors.New("connection reset"))

		_, err := s.newSweeper(st).Sweep(ctx)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})

	s.Run("batch failure emits nothing", func() {
		st := mocks.NewMockStore(s.ctrl)
		r := pendingHold(now.Add(-time.Minute))
		st.EXPECT().FindPendingExpired(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return([]models.Reservation{r}, nil)
		st.EXPECT().SaveAll(gomock.Any(), gomock.Any()).
			Return([]models.RowError{{ID: r.ID, Err: sentinel.ErrUnavailable}}, sentinel.ErrUnavailable)

		res, err := s.newSweeper(st).Sweep(ctx)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Zero(res.Expired)
	})
}

func (s *SweeperSuite) TestNotifierFailureDoesNotFailSweep() {
	ctx := context.Background()
	mem := store.NewInMemory()
	r := pendingHold(now.Add(-time.Minute))
	s.Require().NoError(mem.Create(ctx, &r))
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("broker down"))

	res, err := s.newSweeper(mem).Sweep(ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Expired)
}

func (s *SweeperSuite) TestSingleFlight() {
	ctx := context.Background()
	st := mocks.NewMockStore(s.ctrl)
	entered := make(chan struct{})
	release := make(chan struct{})
	st.EXPECT().FindPendingExpired(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, time.Time, models.ExpiryCursor, int) ([]models.Reservation, error) {
			close(entered)
			<-release
			return nil, nil
		}).Times(1)

	sw := s.newSweeper(st)
	done := make(chan sweeper.Result)
	go func() {
		res, _ := sw.Sweep(ctx)
		done <- res
	}()
	<-entered

	res, err := sw.Sweep(ctx)
	s.Require().NoError(err)
	s.True(res.Skipped)

	close(release)
	first := <-done
	s.False(first.Skipped)
}

func (s *SweeperSuite) TestLease() {
	ctx := context.Background()

	s.Run("held elsewhere skips the sweep", func() {
		st := mocks.NewMockStore(s.ctrl)
		lease := mocks.NewMockLease(s.ctrl)
		lease.EXPECT().Acquire(gomock.Any(), 2*time.Minute).Return(nil, false, nil)

		res, err := s.newSweeper(st, sweeper.WithLease(lease, 2*time.Minute)).Sweep(ctx)
		s.Require().NoError(err)
		s.True(res.Skipped)
	})

	s.Run("acquired lease is released", func() {
		st := mocks.NewMockStore(s.ctrl)
		lease := mocks.NewMockLease(s.ctrl)
		released := false
		lease.EXPECT().Acquire(gomock.Any(), sweeper.DefaultLeaseTTL).
			Return(func() { released = true }, true, nil)
		st.EXPECT().FindPendingExpired(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, nil)

		_, err := s.newSweeper(st, sweeper.WithLease(lease, 0)).Sweep(ctx)
		s.Require().NoError(err)
		s.True(released)
	})

	s.Run("lease backend failure", func() {
		st := mocks.NewMockStore(s.ctrl)
		lease := mocks.NewMockLease(s.ctrl)
		lease.EXPECT().Acquire(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("redis down"))

		_, err := s.newSweeper(st, sweeper.WithLease(lease, time.Minute)).Sweep(ctx)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	})
}

func (s *SweeperSuite) TestBatchSize() {
	st := mocks.NewMockStore(s.ctrl)
	first := pendingHold(now.Add(-2 * time.Hour))
	second := pendingHold(now.Add(-time.Hour))

	gomock.InOrder(
		st.EXPECT().FindPendingExpired(gomock.Any(), now, models.ExpiryCursor{}, 2).
			Return([]models.Reservation{first, second}, nil),
		st.EXPECT().SaveAll(gomock.Any(), gomock.Len(2)).Return(nil, nil),
		st.EXPECT().FindPendingExpired(gomock.Any(), now, models.CursorAfter(second), 2).
			Return(nil, nil),
	)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	res, err := s.newSweeper(st, sweeper.WithBatchSize(2)).Sweep(context.Background())
	s.Require().NoError(err)
	s.Equal(1, res.Pages)
	s.Equal(2, res.Expired)
}

func (s *SweeperSuite) TestDrainsBacklogLargerThanOnePage() {
	ctx := context.Background()
	mem := store.NewInMemory()
	var holds []models.Reservation
	for i := 5; i > 0; i-- {
		r := pendingHold(now.Add(-time.Duration(i) * time.Minute))
		s.Require().NoError(mem.Create(ctx, &r))
		holds = append(holds, r)
	}
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(len(holds))

	res, err := s.newSweeper(mem, sweeper.WithBatchSize(2)).Sweep(ctx)
	s.Require().NoError(err)
	s.Equal(3, res.Pages)
	s.Equal(5, res.Scanned)
	s.Equal(5, res.Expired)

	left, err := mem.FindPendingExpired(ctx, now, models.ExpiryCursor{}, 0)
	s.Require().NoError(err)
	s.Empty(left)
	for _, r := range holds {
		got, err := mem.FindByID(ctx, r.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusCancelled, got.Status)
	}
}

// failingStore rejects writes for chosen rows and delegates everything else.
type failingStore struct {
	*store.InMemoryStore
	reject map[id.ReservationID]bool
}

func (f *failingStore) SaveAll(ctx context.Context, batch []models.Reservation) ([]models.RowError, error) {
	var (
		keep     []models.Reservation
		failures []models.RowError
	)
	for _, r := range batch {
		if f.reject[r.ID] {
			failures = append(failures, models.RowError{ID: r.ID, Err: errors.New("row locked")})
			continue
		}
		keep = append(keep, r)
	}
	more, err := f.InMemoryStore.SaveAll(ctx, keep)
	return append(failures, more...), err
}

func (s *SweeperSuite) TestFailingRowsDoNotBlockLaterHolds() {
	ctx := context.Background()
	mem := store.NewInMemory()
	st := &failingStore{InMemoryStore: mem, reject: map[id.ReservationID]bool{}}

	var failing, healthy []models.Reservation
	for i := 4; i > 0; i-- {
		r := pendingHold(now.Add(-time.Duration(i) * time.Minute))
		s.Require().NoError(mem.Create(ctx, &r))
		if i > 2 {
			st.reject[r.ID] = true
			failing = append(failing, r)
			continue
		}
		healthy = append(healthy, r)
	}
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(len(healthy))

	sw := s.newSweeper(st, sweeper.WithBatchSize(2))

	s.Run("healthy holds behind a failing page are expired", func() {
		res, err := sw.Sweep(ctx)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Equal(2, res.Expired)
		s.Equal(2, res.Failed)

		for _, r := range healthy {
			got, err := mem.FindByID(ctx, r.ID)
			s.Require().NoError(err)
			s.Equal(models.StatusCancelled, got.Status)
		}
		left, err := mem.FindPendingExpired(ctx, now, models.ExpiryCursor{}, 0)
		s.Require().NoError(err)
		s.Len(left, len(failing))
	})

	s.Run("failed rows are retried on the next tick", func() {
		for _, r := range failing {
			delete(st.reject, r.ID)
		}
		s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(nil).Times(len(failing))

		res, err := sw.Sweep(ctx)
		s.Require().NoError(err)
		s.Equal(2, res.Expired)

		left, err := mem.FindPendingExpired(ctx, now, models.ExpiryCursor{}, 0)
		s.Require().NoError(err)
		s.Empty(left)
	})
}
