package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/pipeline/internal/config"
)

// SweepLock ensures at most one sweep per tenant runs at a time.
type SweepLock interface {
	// TryAcquire takes the tenant's lock without waiting. ok is false when
	// another sweep holds it.
	TryAcquire(ctx context.Context, tenantID string) (lease Lease, ok bool, err error)
	HealthCheck(ctx context.Context) error
}

// Lease is a held sweep lock.
type Lease interface {
	Release(ctx context.Context) error
}

// NewLock builds the lock selected by cfg.Driver. client is required for
// the redis driver.
func NewLock(cfg config.LockConfig, client *redis.Client) (SweepLock, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryLock(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("automation: redis lock requires a redis client")
		}
		return NewRedisLock(client, cfg.KeyPrefix, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("automation: unknown lock driver %q", cfg.Driver)
	}
}

// MemoryLock is a process-local SweepLock.
type MemoryLock struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLock creates an empty in-process lock table.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]bool)}
}

// TryAcquire takes the tenant's lock if it is free.
func (l *MemoryLock) TryAcquire(_ context.Context, tenantID string) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[tenantID] {
		return nil, false, nil
	}
	l.held[tenantID] = true
	return &memoryLease{lock: l, tenantID: tenantID}, true, nil
}

// HealthCheck always succeeds.
func (l *MemoryLock) HealthCheck(context.Context) error { return nil }

type memoryLease struct {
	lock     *MemoryLock
	tenantID string
	once     sync.Once
}

func (m *memoryLease) Release(context.Context) error {
	m.once.Do(func() {
		m.lock.mu.Lock()
		delete(m.lock.held, m.tenantID)
		m.lock.mu.Unlock()
	})
	return nil
}

// releaseScript deletes the key only if this lease still owns it, so a lease
// that outlived its TTL cannot release a lock taken by another process.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock is a SweepLock shared by every process using the same Redis. A
// lock expires after ttl even if its holder dies.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLock creates a lock storing keys under prefix.
func NewRedisLock(client *redis.Client, prefix string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl}
}

// TryAcquire sets the tenant's key with NX and a TTL.
func (l *RedisLock) TryAcquire(ctx context.Context, tenantID string) (Lease, bool, error) {
	key := l.prefix + tenantID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("automation: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: l.client, key: key, token: token}, true, nil
}

// HealthCheck pings Redis.
func (l *RedisLock) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("automation: release %s: %w", r.key, err)
	}
	return nil
}
