package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/service"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/sentinel"
)

// SQLSTATE codes mapped to sentinel.ErrConflict.
const (
	sqlStateUniqueViolation    = "23505"
	sqlStateExclusionViolation = "23P01"
)

// dbtx is the subset of *sql.DB and *sql.Tx the store needs.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists reservations in PostgreSQL. It is pure I/O: overlap
// rules live in the availability checker, and the exclusion constraint is the
// last line against double booking.
type PostgresStore struct {
	db      *sql.DB
	q       dbtx
	inTx    bool
	timeout time.Duration
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

const reservationColumns = `
	id, space_id, holder_id, starts_at, ends_at, status, cancellation_reason,
	cancelled_by, attendance_confirmed, attendance_confirmed_at, attendance_token,
	confirmed_at, cancelled_at, completed_at, version, created_at, updated_at`

func (s *PostgresStore) FindByID(ctx context.Context, reservationID id.ReservationID) (*models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	r, err := scanReservation(s.q.QueryRowContext(ctx, query, uuid.UUID(reservationID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindOverlapCandidates(ctx context.Context, spaceID id.SpaceID, window models.TimeWindow) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
		FROM reservations
		WHERE space_id = $1
		  AND status <> 'CANCELLED'
		  AND starts_at < $3
		  AND ends_at > $2
		ORDER BY starts_at`
	return s.queryReservations(ctx, "find overlap candidates", query, uuid.UUID(spaceID), window.Start, window.End)
}

// FindPendingExpired pages through expired holds by (starts_at, id), so rows
// that keep failing to save never hide the ones behind them.
func (s *PostgresStore) FindPendingExpired(ctx context.Context, now time.Time, after models.ExpiryCursor, limit int) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + `
		FROM reservations
		WHERE status = 'PENDING' AND starts_at <= $1
		  AND ($2::timestamptz IS NULL OR (starts_at, id) > ($2::timestamptz, $3::uuid))
		ORDER BY starts_at, id
		LIMIT NULLIF($4, 0)`
	var afterStart sql.NullTime
	if !after.IsZero() {
		afterStart = sql.NullTime{Time: after.Start, Valid: true}
	}
	return s.queryReservations(ctx, "find pending expired", query, now, afterStart, uuid.UUID(after.ID), limit)
}

func (s *PostgresStore) queryReservations(ctx context.Context, op, query string, args ...any) ([]models.Reservation, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (s *PostgresStore) FindClosures(ctx context.Context, spaceID id.SpaceID, window models.TimeWindow) ([]models.Closure, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, space_id, starts_at, ends_at, reason
		FROM space_closures
		WHERE space_id = $1 AND starts_at < $3 AND ends_at > $2
		ORDER BY starts_at`, uuid.UUID(spaceID), window.Start, window.End)
	if err != nil {
		return nil, fmt.Errorf("find closures: %w", err)
	}
	defer rows.Close()

	var out []models.Closure
	for rows.Next() {
		var (
			cid, sid uuid.UUID
			c        models.Closure
		)
		if err := rows.Scan(&cid, &sid, &c.Window.Start, &c.Window.End, &c.Reason); err != nil {
			return nil, fmt.Errorf("scan closure: %w", err)
		}
		c.ID, c.SpaceID = id.ClosureID(cid), id.SpaceID(sid)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find closures: %w", err)
	}
	return out, nil
}

// FindOperatingHours returns AlwaysOpen for spaces without a schedule row.
func (s *PostgresStore) FindOperatingHours(ctx context.Context, spaceID id.SpaceID) (models.WeeklySchedule, error) {
	var tz string
	err := s.q.QueryRowContext(ctx, `SELECT timezone FROM space_schedules WHERE space_id = $1`, uuid.UUID(spaceID)).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AlwaysOpen(), nil
	}
	if err != nil {
		return models.WeeklySchedule{}, fmt.Errorf("find schedule: %w", err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return models.WeeklySchedule{}, fmt.Errorf("load schedule timezone %q: %w", tz, err)
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT weekday, open_minute, close_minute
		FROM space_operating_hours
		WHERE space_id = $1
		ORDER BY weekday, open_minute`, uuid.UUID(spaceID))
	if err != nil {
		return models.WeeklySchedule{}, fmt.Errorf("find operating hours: %w", err)
	}
	defer rows.Close()

	schedule := models.WeeklySchedule{Location: loc, Days: make(map[time.Weekday][]models.DailyHours)}
	for rows.Next() {
		var (
			day int
			h   models.DailyHours
		)
		if err := rows.Scan(&day, &h.Open, &h.Close); err != nil {
			return models.WeeklySchedule{}, fmt.Errorf("scan operating hours: %w", err)
		}
		schedule.Days[time.Weekday(day)] = append(schedule.Days[time.Weekday(day)], h)
	}
	if err := rows.Err(); err != nil {
		return models.WeeklySchedule{}, fmt.Errorf("find operating hours: %w", err)
	}
	return schedule, nil
}

// SetOperatingHours replaces a space's schedule in one transaction.
func (s *PostgresStore) SetOperatingHours(ctx context.Context, spaceID id.SpaceID, schedule models.WeeklySchedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(q dbtx) error {
		if _, err := q.ExecContext(ctx, `
			INSERT INTO space_schedules (space_id, timezone) VALUES ($1, $2)
			ON CONFLICT (space_id) DO UPDATE SET timezone = EXCLUDED.timezone`,
			uuid.UUID(spaceID), schedule.Loc().String()); err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM space_operating_hours WHERE space_id = $1`, uuid.UUID(spaceID)); err != nil {
			return fmt.Errorf("clear operating hours: %w", err)
		}
		for day, hours := range schedule.Days {
			for _, h := range hours {
				if _, err := q.ExecContext(ctx, `
					INSERT INTO space_operating_hours (space_id, weekday, open_minute, close_minute)
					VALUES ($1, $2, $3, $4)`, uuid.UUID(spaceID), int(day), h.Open, h.Close); err != nil {
					return fmt.Errorf("insert operating hours: %w", err)
				}
			}
		}
		return nil
	})
}

func (s *PostgresStore) AddClosure(ctx context.Context, c models.Closure) error {
	if err := c.Window.Validate(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO space_closures (id, space_id, starts_at, ends_at, reason)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(c.ID), uuid.UUID(c.SpaceID), c.Window.Start, c.Window.End, c.Reason)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("closure %s already exists: %w", c.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("add closure: %w", err)
	}
	return nil
}

// Create inserts r at version 1. Exclusion and unique violations surface as
// sentinel.ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, $16)`
	_, err := s.q.ExecContext(ctx, query,
		uuid.UUID(r.ID), uuid.UUID(r.SpaceID), uuid.UUID(r.HolderID),
		r.Window.Start, r.Window.End, string(r.Status), r.CancellationReason, string(r.CancelledBy),
		r.AttendanceConfirmed, nullTime(r.AttendanceConfirmedAt), r.AttendanceToken,
		nullTime(r.ConfirmedAt), nullTime(r.CancelledAt), nullTime(r.CompletedAt),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isConflict(err) {
			return fmt.Errorf("create reservation %s: %w", r.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	r.Version = 1
	return nil
}

// Save updates r when the stored version still equals r.Version.
func (s *PostgresStore) Save(ctx context.Context, r *models.Reservation) error {
	return saveReservation(ctx, s.q, r)
}

func saveReservation(ctx context.Context, q dbtx, r *models.Reservation) error {
	query := `
		UPDATE reservations SET
			status = $3,
			cancellation_reason = $4,
			cancelled_by = $5,
			attendance_confirmed = $6,
			attendance_confirmed_at = $7,
			confirmed_at = $8,
			cancelled_at = $9,
			completed_at = $10,
			updated_at = $11,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`
	var version int64
	err := q.QueryRowContext(ctx, query,
		uuid.UUID(r.ID), r.Version, string(r.Status), r.CancellationReason, string(r.CancelledBy),
		r.AttendanceConfirmed, nullTime(r.AttendanceConfirmedAt),
		nullTime(r.ConfirmedAt), nullTime(r.CancelledAt), nullTime(r.CompletedAt),
		r.UpdatedAt,
	).Scan(&version)
	if err == nil {
		r.Version = version
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isConflict(err) {
			return fmt.Errorf("save reservation %s: %w", r.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("save reservation: %w", err)
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1)`, uuid.UUID(r.ID)).Scan(&exists); err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return fmt.Errorf("reservation %s changed since version %d: %w", r.ID, r.Version, sentinel.ErrConflict)
}

// SaveAll saves each row in its own statement so one failure does not roll
// back the others.
func (s *PostgresStore) SaveAll(ctx context.Context, batch []models.Reservation) ([]models.RowError, error) {
	var failures []models.RowError
	for i := range batch {
		if err := ctx.Err(); err != nil {
			for _, r := range batch[i:] {
				failures = append(failures, models.RowError{ID: r.ID, Err: err})
			}
			return failures, fmt.Errorf("save batch: %w", err)
		}
		if err := saveReservation(ctx, s.q, &batch[i]); err != nil {
			failures = append(failures, models.RowError{ID: batch[i].ID, Err: err})
		}
	}
	return failures, nil
}

// RunInSpaceTx opens a transaction holding pg_advisory_xact_lock on the space
// and runs fn against a store bound to it. Nested calls reuse the outer
// transaction.
func (s *PostgresStore) RunInSpaceTx(ctx context.Context, spaceID id.SpaceID, fn func(store service.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if s.inTx {
		if err := lockSpace(ctx, s.q, spaceID); err != nil {
			return err
		}
		return fn(s)
	}

	timeout := s.timeout
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return s.withTx(ctx, func(q dbtx) error {
		if err := lockSpace(ctx, q, spaceID); err != nil {
			return err
		}
		return fn(&PostgresStore{db: s.db, q: q, inTx: true})
	})
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(q dbtx) error) error {
	if s.inTx {
		return fn(s.q)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return fmt.Errorf("commit: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func lockSpace(ctx context.Context, q dbtx, spaceID id.SpaceID) error {
	if _, err := q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, spaceID.String()); err != nil {
		return fmt.Errorf("lock space %s: %w", spaceID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r                                    models.Reservation
		rid, sid, hid                        uuid.UUID
		status, cancelledBy                  string
		attendedAt, confirmedAt, cancelledAt sql.NullTime
		completedAt                          sql.NullTime
	)
	err := row.Scan(
		&rid, &sid, &hid, &r.Window.Start, &r.Window.End, &status, &r.CancellationReason,
		&cancelledBy, &r.AttendanceConfirmed, &attendedAt, &r.AttendanceToken,
		&confirmedAt, &cancelledAt, &completedAt, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	st, err := models.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	r.ID, r.SpaceID, r.HolderID = id.ReservationID(rid), id.SpaceID(sid), id.HolderID(hid)
	r.Status = st
	r.CancelledBy = models.ActorKind(cancelledBy)
	r.AttendanceConfirmedAt = timeFromNull(attendedAt)
	r.ConfirmedAt = timeFromNull(confirmedAt)
	r.CancelledAt = timeFromNull(cancelledAt)
	r.CompletedAt = timeFromNull(completedAt)
	return &r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// isConflict recognises unique and exclusion violations from either the pgx
// or the lib/pq driver.
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation || pgErr.Code == sqlStateExclusionViolation
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == sqlStateUniqueViolation || string(pqErr.Code) == sqlStateExclusionViolation
	}
	return false
}
