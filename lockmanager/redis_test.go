package lockmanager

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	event "github.com/riverchime/scheduler"
)

func newTestRedisManager(t *testing.T) (*RedisManager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisManager(client, "sched-test:lock:"), mr
}

func TestRedisManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Acquire is exclusive", func(t *testing.T) {
		m, _ := newTestRedisManager(t)
		if _, err := m.Acquire(ctx, "hotloop", time.Minute); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if _, err := m.Acquire(ctx, "hotloop", time.Minute); err != event.ErrLeaseHeld {
			t.Fatalf("expected ErrLeaseHeld, got %v", err)
		}
	})

	t.Run("Renew extends a held lease", func(t *testing.T) {
		m, _ := newTestRedisManager(t)
		lease, _ := m.Acquire(ctx, "hotloop", time.Second)
		if err := m.Renew(ctx, lease, time.Minute); err != nil {
			t.Fatalf("Renew: %v", err)
		}
	})

	t.Run("Renew fails after another node takes the lease", func(t *testing.T) {
		m, mr := newTestRedisManager(t)
		lease, _ := m.Acquire(ctx, "hotloop", time.Millisecond)
		mr.FastForward(50 * time.Millisecond)
		m.Acquire(ctx, "hotloop", time.Minute)

		if err := m.Renew(ctx, lease, time.Minute); !event.IsLeaseLost(err) {
			t.Fatalf("expected LeaseLostError, got %v", err)
		}
	})

	t.Run("Release frees the lease for reacquisition", func(t *testing.T) {
		m, _ := newTestRedisManager(t)
		lease, _ := m.Acquire(ctx, "hotloop", time.Minute)
		if err := m.Release(ctx, lease); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, err := m.Acquire(ctx, "hotloop", time.Minute); err != nil {
			t.Fatalf("expected acquire after release, got %v", err)
		}
	})

	t.Run("Release with a stale token does not evict the new owner", func(t *testing.T) {
		m, mr := newTestRedisManager(t)
		lease, _ := m.Acquire(ctx, "hotloop", time.Millisecond)
		mr.FastForward(50 * time.Millisecond)
		newLease, _ := m.Acquire(ctx, "hotloop", time.Minute)

		m.Release(ctx, lease)

		if err := m.Renew(ctx, newLease, time.Minute); err != nil {
			t.Fatalf("expected new owner's lease intact, got %v", err)
		}
	})
}
