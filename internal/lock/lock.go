package lock

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"paper-tape/internal/domain"
)

// Lua bodies run atomically on the server so only the holder of the token can
// release or extend its lease. A lease that is never released expires after
// its TTL and the next run reclaims the name.
const (
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

	extendScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`
)

type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lease is proof of lock ownership. The token is random per acquisition, so a
// stale holder whose TTL lapsed cannot release a lock reacquired by another
// run.
type Lease struct {
	Name  string
	Token string
	TTL   time.Duration
}

type Locker struct {
	redis  RedisClient
	tracer trace.Tracer
	ttl    time.Duration
}

func New(redisClient RedisClient, tracer trace.Tracer, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Locker{redis: redisClient, tracer: tracer, ttl: ttl}
}

func lockKey(name string) string {
	return "lock:" + name
}

// Acquire takes the named lock or returns LockContentionError when another
// run holds it. It never waits.
func (l *Locker) Acquire(ctx context.Context, name string) (*Lease, error) {
	_, span := l.tracer.Start(ctx, "lock.acquire")
	defer span.End()

	token := uuid.NewString()
	ok, err := l.redis.SetNX(ctx, lockKey(name), token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, &domain.LockContentionError{Name: name}
	}
	return &Lease{Name: name, Token: token, TTL: l.ttl}, nil
}

// Extend resets the lease TTL. Long batches call this between symbols so the
// lock cannot lapse mid-run while the holder is still alive.
func (l *Locker) Extend(ctx context.Context, lease *Lease) error {
	_, span := l.tracer.Start(ctx, "lock.extend")
	defer span.End()

	res, err := l.redis.Eval(ctx, extendScript,
		[]string{lockKey(lease.Name)}, lease.Token, lease.TTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", lease.Name, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return &domain.LockContentionError{Name: lease.Name}
	}
	return nil
}

// Release deletes the lock only if the token still matches.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	_, span := l.tracer.Start(ctx, "lock.release")
	defer span.End()

	if _, err := l.redis.Eval(ctx, releaseScript,
		[]string{lockKey(lease.Name)}, lease.Token).Result(); err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock and always releases it,
// including on panic unwind.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(releaseCtx, lease); err != nil {
			log.Printf("lock release error: %v", err)
		}
	}()
	return fn(ctx, lease)
}
