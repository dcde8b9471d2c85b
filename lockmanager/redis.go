package lockmanager

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	event "github.com/riverchime/scheduler"
)

// renewScript extends a lease's TTL only if the caller's token still
// matches the value stored in Redis, the same compare-then-act shape the
// pack's rate limiter uses for its increment-and-check.
var renewScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
`)

// releaseScript deletes a lease only if the caller's token still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) ~= ARGV[1] then
		return 0
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// RedisManager implements Manager using Redis SET NX for acquisition and
// Lua-scripted compare-and-act for renew/release.
type RedisManager struct {
	client redis.Cmdable
	prefix string
}

// NewRedisManager creates a lease manager on client. keyPrefix namespaces
// lease keys, e.g. "sched:lock:".
func NewRedisManager(client redis.Cmdable, keyPrefix string) *RedisManager {
	if keyPrefix == "" {
		keyPrefix = "sched:lock:"
	}
	return &RedisManager{client: client, prefix: keyPrefix}
}

func (r *RedisManager) key(name string) string { return r.prefix + name }

func (r *RedisManager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(name), token, ttl).Result()
	if err != nil {
		return nil, &event.TransientStoreError{Op: "lease_acquire", Err: err}
	}
	if !ok {
		return nil, event.ErrLeaseHeld
	}
	return &Lease{Name: name, Token: token, TTL: ttl}, nil
}

func (r *RedisManager) Renew(ctx context.Context, lease *Lease, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, r.client, []string{r.key(lease.Name)}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return &event.TransientStoreError{Op: "lease_renew", Err: err}
	}
	if res != 1 {
		return &event.LeaseLostError{Name: lease.Name, Token: lease.Token}
	}
	return nil
}

func (r *RedisManager) Release(ctx context.Context, lease *Lease) error {
	_, err := releaseScript.Run(ctx, r.client, []string{r.key(lease.Name)}, lease.Token).Int()
	if err != nil {
		return &event.TransientStoreError{Op: "lease_release", Err: err}
	}
	return nil
}

func (r *RedisManager) Close(context.Context) error { return nil }

var _ Manager = (*RedisManager)(nil)
