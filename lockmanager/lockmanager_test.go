package lockmanager

import (
	"context"
	"testing"
	"time"

	event "github.com/riverchime/scheduler"
)

func TestMemoryManager(t *testing.T) {
	ctx := context.Background()

	t.Run("Acquire is exclusive", func(t *testing.T) {
		m := NewMemoryManager()
		lease, err := m.Acquire(ctx, "hotloop", time.Minute)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if lease.Token == "" {
			t.Fatal("expected non-empty token")
		}

		if _, err := m.Acquire(ctx, "hotloop", time.Minute); err != event.ErrLeaseHeld {
			t.Fatalf("expected ErrLeaseHeld, got %v", err)
		}
	})

	t.Run("Acquire succeeds again after expiry", func(t *testing.T) {
		m := NewMemoryManager()
		m.Acquire(ctx, "hotloop", time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		if _, err := m.Acquire(ctx, "hotloop", time.Minute); err != nil {
			t.Fatalf("expected reacquire after expiry, got %v", err)
		}
	})

	t.Run("Renew fails once another owner has taken over", func(t *testing.T) {
		m := NewMemoryManager()
		lease, _ := m.Acquire(ctx, "hotloop", time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		m.Acquire(ctx, "hotloop", time.Minute) // someone else takes it

		if err := m.Renew(ctx, lease, time.Minute); !event.IsLeaseLost(err) {
			t.Fatalf("expected LeaseLostError, got %v", err)
		}
	})

	t.Run("Release then Acquire succeeds immediately", func(t *testing.T) {
		m := NewMemoryManager()
		lease, _ := m.Acquire(ctx, "hotloop", time.Minute)

		if err := m.Release(ctx, lease); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, err := m.Acquire(ctx, "hotloop", time.Minute); err != nil {
			t.Fatalf("expected acquire after release, got %v", err)
		}
	})

	t.Run("Release of a lease already lost is a no-op", func(t *testing.T) {
		m := NewMemoryManager()
		lease, _ := m.Acquire(ctx, "hotloop", time.Millisecond)
		time.Sleep(5 * time.Millisecond)
		m.Acquire(ctx, "hotloop", time.Minute)

		if err := m.Release(ctx, lease); err != nil {
			t.Fatalf("expected no-op release, got %v", err)
		}
	})
}
