package hotloop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/analytics"
	"github.com/riverchime/scheduler/hotstore"
	"github.com/riverchime/scheduler/lockmanager"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []*event.ScheduledEvent
	failNext  int
	permanent bool
}

func (f *fakePublisher) Publish(_ context.Context, ev *event.ScheduledEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		if f.permanent {
			return &event.PublishPermanentError{Err: errors.New("bad payload")}
		}
		return &event.PublishTransientError{Err: errors.New("broker unavailable")}
	}
	f.published = append(f.published, ev)
	return nil
}

func (f *fakePublisher) Close(context.Context) error { return nil }

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func newTestLoop(t *testing.T, pub *fakePublisher, cfg Config) (*Loop, hotstore.Store) {
	t.Helper()
	store := hotstore.NewMemoryStore()
	locks := lockmanager.NewMemoryManager()
	sink := analytics.NewSink(analytics.NewMemoryStore(), 10, time.Hour)
	loop := New(store, locks, pub, sink, event.NewBreakerRegistry(5, 2, 30*time.Second), event.NewMetric(""), cfg)
	return loop, store
}

func TestLoopProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes a due event and releases it", func(t *testing.T) {
		pub := &fakePublisher{}
		loop, store := newTestLoop(t, pub, Config{MaxRetries: 3, RetryDelay: time.Millisecond, StaleClaimAfter: time.Minute})

		ev := event.NewScheduledEvent("order.created", []byte("x"), time.Now(), nil)
		store.Insert(ctx, ev)

		loop.dispatchDue(ctx)

		if pub.count() != 1 {
			t.Fatalf("expected 1 publish, got %d", pub.count())
		}
		if n, _ := store.Len(ctx); n != 0 {
			t.Fatalf("expected store empty after publish, got %d", n)
		}
	})

	t.Run("requeues on transient publish failure", func(t *testing.T) {
		pub := &fakePublisher{failNext: 1}
		loop, store := newTestLoop(t, pub, Config{MaxRetries: 3, RetryDelay: time.Millisecond, StaleClaimAfter: time.Minute})

		ev := event.NewScheduledEvent("order.created", []byte("x"), time.Now(), nil)
		store.Insert(ctx, ev)

		loop.dispatchDue(ctx)

		if pub.count() != 0 {
			t.Fatalf("expected no successful publish yet, got %d", pub.count())
		}
		due, _ := store.PeekDue(ctx, time.Now().Add(time.Hour), 10)
		if len(due) != 1 || due[0].Attempts != 1 {
			t.Fatalf("expected requeued entry with Attempts=1, got %+v", due)
		}
	})

	t.Run("moves to failed after a permanent publish error", func(t *testing.T) {
		pub := &fakePublisher{failNext: 1, permanent: true}
		loop, store := newTestLoop(t, pub, Config{MaxRetries: 3, RetryDelay: time.Millisecond, StaleClaimAfter: time.Minute})

		ev := event.NewScheduledEvent("order.created", []byte("x"), time.Now(), nil)
		store.Insert(ctx, ev)

		loop.dispatchDue(ctx)

		if n, _ := store.Len(ctx); n != 0 {
			t.Fatalf("expected entry removed from hot store after permanent failure, got %d", n)
		}
	})

	t.Run("dispatch rate limits publish throughput", func(t *testing.T) {
		pub := &fakePublisher{}
		loop, store := newTestLoop(t, pub, Config{
			MaxRetries: 3, RetryDelay: time.Millisecond, StaleClaimAfter: time.Minute,
			DispatchRate: 1, DispatchBurst: 1,
		})

		for i := 0; i < 3; i++ {
			store.Insert(ctx, event.NewScheduledEvent("order.created", []byte("x"), time.Now(), nil))
		}

		start := time.Now()
		loop.dispatchDue(ctx)
		elapsed := time.Since(start)

		if pub.count() != 3 {
			t.Fatalf("expected all 3 entries eventually published, got %d", pub.count())
		}
		if elapsed < time.Second {
			t.Fatalf("expected dispatch of 3 entries at 1/s to take at least 1s, took %v", elapsed)
		}
	})

	t.Run("drops an entry past its max delay without publishing", func(t *testing.T) {
		pub := &fakePublisher{}
		loop, store := newTestLoop(t, pub, Config{MaxRetries: 3, RetryDelay: time.Millisecond, StaleClaimAfter: time.Minute})

		ev := event.NewScheduledEvent("order.created", []byte("x"), time.Now().Add(-time.Hour), nil).WithMaxDelay(time.Minute)
		store.Insert(ctx, ev)

		loop.dispatchDue(ctx)

		if pub.count() != 0 {
			t.Fatalf("expected stale entry not to be published, got %d publishes", pub.count())
		}
		if n, _ := store.Len(ctx); n != 0 {
			t.Fatalf("expected stale entry removed from hot store, got %d", n)
		}
	})

	t.Run("reap reclaims an abandoned claim", func(t *testing.T) {
		pub := &fakePublisher{}
		loop, store := newTestLoop(t, pub, Config{MaxRetries: 3, RetryDelay: time.Millisecond, StaleClaimAfter: time.Millisecond})

		ev := event.NewScheduledEvent("order.created", []byte("x"), time.Now(), nil)
		store.Insert(ctx, ev)
		store.Claim(ctx, ev.ID, "node-a")

		time.Sleep(5 * time.Millisecond)
		loop.reap(ctx)

		due, _ := store.PeekDue(ctx, time.Now(), 10)
		if len(due) != 1 {
			t.Fatalf("expected reclaimed entry back in due set, got %d", len(due))
		}
	})
}
