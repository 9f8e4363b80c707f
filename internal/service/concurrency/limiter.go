package concurrency

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const activeKey = "outreach:dials:active"

// Limiter caps the number of simultaneously active outbound calls across
// all worker processes using a Redis counter. The check-and-increment runs
// as a Lua script so two workers cannot both grab the last slot.
type Limiter struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLimiter constructs a concurrency limiter. The ttl bounds how long a
// slot can stay held if a worker dies without releasing it.
func NewLimiter(client *redis.Client, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Limiter{client: client, ttl: ttl}
}

// Acquire attempts to reserve a dial slot under the given limit. A limit
// of zero or less disables the cap.
func (l *Limiter) Acquire(ctx context.Context, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	script := redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

	res, err := script.Run(ctx, l.client, []string{activeKey}, limit, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("concurrency acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (l *Limiter) Release(ctx context.Context) error {
	script := redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 0 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)
	if _, err := script.Run(ctx, l.client, []string{activeKey}).Int(); err != nil {
		return fmt.Errorf("concurrency release: %w", err)
	}
	return nil
}

// RunGuard serializes daily batch runs across processes with a SET NX
// lease.
type RunGuard struct {
	client *redis.Client
}

// NewRunGuard constructs a run guard.
func NewRunGuard(client *redis.Client) *RunGuard {
	return &RunGuard{client: client}
}

// TryLock takes the named lease for the given duration. It returns false
// when another process already holds it.
func (g *RunGuard) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("run guard: lock %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases the named lease early.
func (g *RunGuard) Unlock(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("run guard: unlock %s: %w", key, err)
	}
	return nil
}
