package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseKey = "spacebook:sweeper:lease"

	releaseTimeout = 2 * time.Second
)

// ErrLeaseLost means the lease expired and was possibly taken over before the
// owner released it. A sweep that outlives its TTL can overlap another one.
var ErrLeaseLost = errors.New("lease lost before release")

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken over is never released by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Lease backed by a single Redis key set with NX and PX.
type RedisLease struct {
	client redis.UniversalClient
	key    string
	logger *slog.Logger
}

type RedisLeaseOption func(*RedisLease)

func WithLeaseKey(key string) RedisLeaseOption {
	return func(l *RedisLease) {
		if key != "" {
			l.key = key
		}
	}
}

func WithLeaseLogger(logger *slog.Logger) RedisLeaseOption {
	return func(l *RedisLease) {
		l.logger = logger
	}
}

func NewRedisLease(client redis.UniversalClient, opts ...RedisLeaseOption) *RedisLease {
	l := &RedisLease{client: client, key: DefaultLeaseKey}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return l
}

// Acquire sets the lease key for ttl when nobody holds it.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (func(), bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The sweep context may already be cancelled at shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := l.release(ctx, owner); err != nil {
			l.logger.WarnContext(ctx, "failed to release sweep lease",
				"key", l.key,
				"error", err,
			)
		}
	}
	return release, true, nil
}

// release deletes the key if owner still holds it.
func (l *RedisLease) release(ctx context.Context, owner string) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, owner).Int()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if deleted == 0 {
		return fmt.Errorf("release lease %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}
