package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"spacebook/internal/reservation/models"
	"spacebook/internal/reservation/service"
	id "spacebook/pkg/domain"
	dErrors "spacebook/pkg/domain-errors"
	"spacebook/pkg/platform/sentinel"
)

// numSpaceShards spreads per-space serialization over a fixed set of mutexes
// so unrelated spaces rarely contend.
const numSpaceShards = 128

const defaultTxTimeout = 5 * time.Second

// InMemoryStore keeps reservations in process. Create re-checks overlaps under
// the write lock, so it never admits a double booking even without
// RunInSpaceTx.
type InMemoryStore struct {
	mu           sync.RWMutex
	reservations map[id.ReservationID]models.Reservation
	closures     map[id.SpaceID][]models.Closure
	hours        map[id.SpaceID]models.WeeklySchedule

	shards  [numSpaceShards]sync.Mutex
	timeout time.Duration
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		reservations: make(map[id.ReservationID]models.Reservation),
		closures:     make(map[id.SpaceID][]models.Closure),
		hours:        make(map[id.SpaceID]models.WeeklySchedule),
	}
}

// SetOperatingHours replaces a space's schedule. Spaces without one are
// treated as always open.
func (s *InMemoryStore) SetOperatingHours(spaceID id.SpaceID, hours models.WeeklySchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hours[spaceID] = hours
}

func (s *InMemoryStore) AddClosure(c models.Closure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures[c.SpaceID] = append(s.closures[c.SpaceID], c)
}

func (s *InMemoryStore) FindByID(_ context.Context, reservationID id.ReservationID) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &r, nil
}

func (s *InMemoryStore) FindOverlapCandidates(_ context.Context, spaceID id.SpaceID, window models.TimeWindow) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overlapping(spaceID, window), nil
}

func (s *InMemoryStore) overlapping(spaceID id.SpaceID, window models.TimeWindow) []models.Reservation {
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.SpaceID == spaceID && r.OccupiesSlot() && r.Window.Overlaps(window) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Window.Start.Before(out[j].Window.Start) })
	return out
}

func (s *InMemoryStore) FindClosures(_ context.Context, spaceID id.SpaceID, window models.TimeWindow) ([]models.Closure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Closure
	for _, c := range s.closures[spaceID] {
		if c.Window.Overlaps(window) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindOperatingHours(_ context.Context, spaceID id.SpaceID) (models.WeeklySchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.hours[spaceID]; ok {
		return h, nil
	}
	return models.AlwaysOpen(), nil
}

func (s *InMemoryStore) Create(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists: %w", r.ID, sentinel.ErrConflict)
	}
	if r.OccupiesSlot() && len(s.overlapping(r.SpaceID, r.Window)) > 0 {
		return fmt.Errorf("space %s is taken for %s: %w", r.SpaceID, r.Window, sentinel.ErrConflict)
	}
	r.Version = 1
	s.reservations[r.ID] = *r
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(r)
}

func (s *InMemoryStore) saveLocked(r *models.Reservation) error {
	current, ok := s.reservations[r.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != r.Version {
		return fmt.Errorf("reservation %s at version %d, have %d: %w", r.ID, current.Version, r.Version, sentinel.ErrConflict)
	}
	r.Version++
	s.reservations[r.ID] = *r
	return nil
}

// SaveAll saves each row independently. Rows that fail are reported and left
// unchanged; the others persist.
func (s *InMemoryStore) SaveAll(_ context.Context, batch []models.Reservation) ([]models.RowError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failures []models.RowError
	for i := range batch {
		if err := s.saveLocked(&batch[i]); err != nil {
			failures = append(failures, models.RowError{ID: batch[i].ID, Err: err})
		}
	}
	return failures, nil
}

// FindPendingExpired returns PENDING holds whose start is at or before now,
// ordered by (start, id) and strictly after the cursor.
func (s *InMemoryStore) FindPendingExpired(_ context.Context, now time.Time, after models.ExpiryCursor, limit int) ([]models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reservation
	for _, r := range s.reservations {
		if r.IsExpiredHold(now) && !after.Passed(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Window.Start.Equal(out[j].Window.Start) {
			return out[i].Window.Start.Before(out[j].Window.Start)
		}
		return models.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RunInSpaceTx runs fn while holding the shard lock for spaceID.
func (s *InMemoryStore) RunInSpaceTx(ctx context.Context, spaceID id.SpaceID, fn func(store service.Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
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

	shard := &s.shards[shardFor(spaceID)]
	shard.Lock()
	defer shard.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	return fn(s)
}

// shardFor hashes the space id with FNV-1a.
func shardFor(spaceID id.SpaceID) int {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for _, b := range spaceID {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return int(h % numSpaceShards)
}
