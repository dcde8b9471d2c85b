package transferloop

import (
	"context"
	"testing"
	"time"

	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/coldstore"
	"github.com/riverchime/scheduler/hotstore"
	"github.com/riverchime/scheduler/lockmanager"
)

func newTestLoop(t *testing.T, cfg *event.Config) (*Loop, coldstore.Store, hotstore.Store) {
	t.Helper()
	cold := coldstore.NewMemoryStore()
	hot := hotstore.NewMemoryStore()
	locks := lockmanager.NewMemoryManager()
	router := event.NewRouter(cfg)
	loop := New(cold, hot, locks, router, event.NewBreakerRegistry(5, 2, 30*time.Second), event.NewMetric(""), Config{
		TransferInterval: time.Minute,
		BatchSize:        10,
	})
	return loop, cold, hot
}

func TestTransferDue(t *testing.T) {
	ctx := context.Background()
	cfg := event.DefaultConfig()
	cfg.TransferHorizon = 5 * time.Minute

	t.Run("promotes entries within the transfer horizon", func(t *testing.T) {
		loop, cold, hot := newTestLoop(t, cfg)
		ev := event.NewScheduledEvent("reminder.due", []byte("x"), time.Now().Add(time.Minute), nil)
		cold.Insert(ctx, ev)

		loop.transferDue(ctx)

		got, err := cold.Get(ctx, ev.ID)
		if err != nil {
			t.Fatalf("expected cold copy retained for audit, got %v", err)
		}
		if got.Status != event.StatusTransferred {
			t.Fatalf("expected cold copy marked %s, got %s", event.StatusTransferred, got.Status)
		}
		due, err := hot.PeekDue(ctx, time.Now().Add(time.Hour), 10)
		if err != nil {
			t.Fatalf("PeekDue: %v", err)
		}
		if len(due) != 1 || due[0].ID != ev.ID {
			t.Fatalf("expected event promoted to hot store, got %+v", due)
		}
	})

	t.Run("leaves entries outside the transfer horizon in cold store", func(t *testing.T) {
		loop, cold, hot := newTestLoop(t, cfg)
		ev := event.NewScheduledEvent("reminder.due", []byte("x"), time.Now().Add(time.Hour), nil)
		cold.Insert(ctx, ev)

		loop.transferDue(ctx)

		if _, err := cold.Get(ctx, ev.ID); err != nil {
			t.Fatalf("expected event to remain in cold store, got %v", err)
		}
		n, _ := hot.Len(ctx)
		if n != 0 {
			t.Fatalf("expected nothing promoted to hot store, got %d", n)
		}
	})
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	cfg := event.DefaultConfig()

	t.Run("purges terminal cold entries older than the cleanup age", func(t *testing.T) {
		loop, cold, _ := newTestLoop(t, cfg)

		stale := event.NewScheduledEvent("reminder.due", []byte("x"), time.Now().Add(time.Hour), nil)
		cold.Insert(ctx, stale)
		if err := cold.MarkTransferring(ctx, stale.ID, "node-a"); err != nil {
			t.Fatalf("MarkTransferring: %v", err)
		}
		if err := cold.FinalizeTransferred(ctx, stale.ID); err != nil {
			t.Fatalf("FinalizeTransferred: %v", err)
		}

		time.Sleep(2 * time.Millisecond)
		loop.cleanupAge = time.Millisecond

		loop.cleanup(ctx)

		if _, err := cold.Get(ctx, stale.ID); err != event.ErrNotFound {
			t.Fatalf("expected stale terminal entry purged, got %v", err)
		}
	})

	t.Run("leaves still-pending cold entries regardless of age", func(t *testing.T) {
		loop, cold, _ := newTestLoop(t, cfg)
		loop.cleanupAge = 24 * time.Hour

		pending := event.NewScheduledEvent("reminder.due", []byte("x"), time.Now().Add(time.Hour), nil)
		pending.CreatedAt = time.Now().Add(-48 * time.Hour)
		cold.Insert(ctx, pending)

		loop.cleanup(ctx)

		if _, err := cold.Get(ctx, pending.ID); err != nil {
			t.Fatalf("expected pending entry to survive cleanup, got %v", err)
		}
	})
}
