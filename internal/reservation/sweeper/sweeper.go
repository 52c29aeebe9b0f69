// Package sweeper cancels PENDING holds whose start has passed.
package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"spacebook/internal/reservation/metrics"
	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/statemachine"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/clock"
	"spacebook/pkg/platform/sentinel"
)

const (
	DefaultInterval  = 5 * time.Minute
	DefaultBatchSize = 500
	DefaultLeaseTTL  = time.Minute
)

// Store is the slice of the persistence gateway the sweeper needs.
type Store interface {
	// FindPendingExpired returns up to limit expired holds ordered by
	// (start, id), strictly after the cursor.
	FindPendingExpired(ctx context.Context, now time.Time, after models.ExpiryCursor, limit int) ([]models.Reservation, error)
	// SaveAll persists each row under its version check and reports the
	// rows that failed. The error is for failures of the batch as a whole.
	SaveAll(ctx context.Context, batch []models.Reservation) ([]models.RowError, error)
}

type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

// Lease is a cross-process mutex. ok is false when another holder has it.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (release func(), ok bool, err error)
}

// Result summarizes one sweep across all pages.
type Result struct {
	Skipped bool
	Pages   int
	Scanned int
	Expired int
	// Stale counts rows that changed state after they were read.
	Stale  int
	Failed int
}

// Sweeper runs at most one sweep at a time per process, and per deployment
// when a Lease is configured.
type Sweeper struct {
	store     Store
	machine   *statemachine.Machine
	clock     clock.Clock
	notifier  Notifier
	lease     Lease
	leaseTTL  time.Duration
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	running sync.Mutex
}

type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) {
		s.clock = c
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Sweeper) {
		s.notifier = n
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithLease makes each sweep take a distributed lease for ttl first.
func WithLease(l Lease, ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.lease = l
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(store Store, machine *statemachine.Machine, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("reservation store is required")
	}
	if machine == nil {
		return nil, errors.New("state machine is required")
	}
	s := &Sweeper{
		store:     store,
		machine:   machine,
		leaseTTL:  DefaultLeaseTTL,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// Sweep expires every stale hold, one page of batchSize at a time. Rows that
// fail to persist are left PENDING for the next tick and make Sweep return an
// error; the pages after them are still processed.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if !s.running.TryLock() {
		s.metrics.ObserveSweep("skipped", 0, 0, 0)
		return Result{Skipped: true}, nil
	}
	defer s.running.Unlock()

	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx, s.leaseTTL)
		if err != nil {
			s.metrics.ObserveSweep("error", 0, 0, 0)
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to acquire sweep lease")
		}
		if !ok {
			s.metrics.ObserveSweep("skipped", 0, 0, 0)
			return Result{Skipped: true}, nil
		}
		defer release()
	}

	began := time.Now()
	res, err := s.sweep(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.ObserveSweep(outcome, res.Expired, res.Failed, time.Since(began))
	return res, err
}

func (s *Sweeper) sweep(ctx context.Context) (Result, error) {
	now := s.clock.Now()
	var (
		res       Result
		cursor    models.ExpiryCursor
		attempted int
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, dErrors.Wrap(err, dErrors.CodeTimeout, "expiry sweep interrupted")
		}
		page, err := s.store.FindPendingExpired(ctx, now, cursor, s.batchSize)
		if err != nil {
			s.logger.ErrorContext(ctx, "expiry sweep failed to load holds", "error", err)
			return res, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load expired holds")
		}
		if len(page) == 0 {
			break
		}
		res.Pages++
		res.Scanned += len(page)

		n, err := s.expirePage(ctx, now, page, &res)
		attempted += n
		if err != nil {
			s.logger.ErrorContext(ctx, "expiry sweep batch write failed", "error", err)
			return res, dErrors.Wrap(err, dErrors.CodeInternal, "failed to persist expired holds")
		}
		if len(page) < s.batchSize {
			break
		}
		cursor = models.CursorAfter(page[len(page)-1])
	}

	if res.Failed > 0 {
		return res, dErrors.Newf(dErrors.CodeInternal, "%d of %d expired holds failed to persist", res.Failed, attempted)
	}
	return res, nil
}

// expirePage cancels one page of candidates and returns how many it tried to
// write. The error is a failure of the page write as a whole.
func (s *Sweeper) expirePage(ctx context.Context, now time.Time, candidates []models.Reservation, res *Result) (int, error) {
	batch := make([]models.Reservation, 0, len(candidates))
	for _, r := range candidates {
		expired, err := s.machine.AutoExpire(r, now)
		if err != nil {
			// Confirmed or otherwise moved on since the query; nothing to do.
			res.Stale++
			continue
		}
		batch = append(batch, expired)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	failures, batchErr := s.store.SaveAll(ctx, batch)
	failed := make(map[string]struct{}, len(failures))
	for _, f := range failures {
		failed[f.ID.String()] = struct{}{}
		if errors.Is(f.Err, sentinel.ErrConflict) {
			res.Stale++
			continue
		}
		res.Failed++
		s.logger.ErrorContext(ctx, "expiry sweep failed to cancel hold",
			"reservation_id", f.ID,
			"error", f.Err,
		)
	}

	for i := range batch {
		r := &batch[i]
		if _, bad := failed[r.ID.String()]; bad {
			continue
		}
		res.Expired++
		s.metrics.IncTransition(models.StatusCancelled.String(), string(models.ActorSystem))
		s.logger.InfoContext(ctx, "reservation expired",
			"reservation_id", r.ID,
			"space_id", r.SpaceID,
			"start", r.Window.Start,
		)
		if s.notifier != nil {
			if err := s.notifier.Notify(ctx, models.NewEvent(models.EventExpired, r, now)); err != nil {
				s.logger.WarnContext(ctx, "failed to publish expiry event",
					"reservation_id", r.ID,
					"error", err,
				)
			}
		}
	}
	return len(batch), batchErr
}
