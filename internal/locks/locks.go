// Package locks provides a lease-based mutual-exclusion primitive on Redis.
// Timer-driven components use it to guarantee at-most-one-active-execution
// per (entity, purpose) key even when several worker processes race.
package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/suntrack/sales-agent/pkg/logging"
)

// ErrNotAcquired indicates another worker currently holds the lease.
var ErrNotAcquired = errors.New("locks: not acquired")

// releaseScript deletes the key only while our token still owns it, so a
// worker that stalls past its TTL cannot release the next holder's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Manager hands out leases backed by SET NX PX.
type Manager struct {
	redis  *redis.Client
	logger *logging.Logger
}

// NewManager creates a lock manager over the supplied Redis client.
func NewManager(client *redis.Client, logger *logging.Logger) *Manager {
	if client == nil {
		panic("locks: redis client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{redis: client, logger: logger}
}

// Lease is one held lock. Release is safe to call after expiry.
type Lease struct {
	manager *Manager
	key     string
	token   string
}

// Acquire claims the (entity, purpose) lock for at most ttl. A crashed
// holder is recovered by expiry; callers must therefore re-check durable
// state after acquiring, never trust in-memory schedules.
func (m *Manager) Acquire(ctx context.Context, entity, purpose string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := lockKey(entity, purpose)
	token := uuid.NewString()

	ok, err := m.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("locks: failed to acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{manager: m, key: key, token: token}, nil
}

// Release frees the lease if this worker still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if _, err := releaseScript.Run(ctx, l.manager.redis, []string{l.key}, l.token).Result(); err != nil {
		l.manager.logger.Warn("failed to release lock", "key", l.key, "error", err)
		return fmt.Errorf("locks: failed to release %s: %w", l.key, err)
	}
	return nil
}

func lockKey(entity, purpose string) string {
	return fmt.Sprintf("lock:%s:%s", entity, purpose)
}
