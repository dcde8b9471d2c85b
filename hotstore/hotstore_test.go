package hotstore

import (
	"context"
	"testing"
	"time"

	event "github.com/riverchime/scheduler"
)

func newTestEvent(name string, fireAt time.Time) *event.ScheduledEvent {
	return event.NewScheduledEvent(name, []byte("payload"), fireAt, map[string]string{"k": "v"})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Insert and PeekDue", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Now()
		ev := newTestEvent("order.created", now.Add(-time.Second))
		if err := s.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}

		due, err := s.PeekDue(ctx, now, 10)
		if err != nil {
			t.Fatalf("PeekDue: %v", err)
		}
		if len(due) != 1 || due[0].ID != ev.ID {
			t.Fatalf("expected 1 due entry matching %s, got %+v", ev.ID, due)
		}
	})

	t.Run("PeekDue excludes not-yet-due entries", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Now()
		ev := newTestEvent("order.created", now.Add(time.Hour))
		s.Insert(ctx, ev)

		due, err := s.PeekDue(ctx, now, 10)
		if err != nil {
			t.Fatalf("PeekDue: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("expected no due entries, got %d", len(due))
		}
	})

	t.Run("Claim is exclusive", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		s.Insert(ctx, ev)

		claimed, err := s.Claim(ctx, ev.ID, "node-a")
		if err != nil {
			t.Fatalf("first Claim: %v", err)
		}
		if claimed.Status != event.StatusProcessing {
			t.Fatalf("expected StatusProcessing, got %v", claimed.Status)
		}
		if claimed.ClaimToken == "" {
			t.Fatal("expected a non-empty claim token")
		}

		if _, err := s.Claim(ctx, ev.ID, "node-a"); !event.IsConflict(err) {
			t.Fatalf("expected ConflictError on second claim, got %v", err)
		}
	})

	t.Run("Claim of missing entry returns ErrNotFound", func(t *testing.T) {
		s := NewMemoryStore()
		if _, err := s.Claim(ctx, "missing", "node-a"); err != event.ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Release requires a matching token", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		s.Insert(ctx, ev)
		claimed, _ := s.Claim(ctx, ev.ID, "node-a")

		if err := s.Release(ctx, ev.ID, "wrong-token"); err != event.ErrNotClaimed {
			t.Fatalf("expected ErrNotClaimed, got %v", err)
		}
		if err := s.Release(ctx, ev.ID, claimed.ClaimToken); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if n, _ := s.Len(ctx); n != 0 {
			t.Fatalf("expected store empty after release, got %d entries", n)
		}
	})

	t.Run("Requeue reverts to queued and increments attempts", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		s.Insert(ctx, ev)
		claimed, _ := s.Claim(ctx, ev.ID, "node-a")

		next := time.Now().Add(time.Minute)
		if err := s.Requeue(ctx, ev.ID, claimed.ClaimToken, "publish timeout", next); err != nil {
			t.Fatalf("Requeue: %v", err)
		}

		due, _ := s.PeekDue(ctx, next.Add(time.Second), 10)
		if len(due) != 1 {
			t.Fatalf("expected requeued entry to become due, got %d", len(due))
		}
		if due[0].Attempts != 1 {
			t.Fatalf("expected Attempts=1, got %d", due[0].Attempts)
		}
		if due[0].LastError != "publish timeout" {
			t.Fatalf("expected LastError set, got %q", due[0].LastError)
		}
	})

	t.Run("ReapStale reclaims abandoned processing entries", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		s.Insert(ctx, ev)
		s.Claim(ctx, ev.ID, "node-a")

		n, err := s.ReapStale(ctx, time.Now().Add(time.Hour), time.Minute)
		if err != nil {
			t.Fatalf("ReapStale: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 reaped entry, got %d", n)
		}

		due, _ := s.PeekDue(ctx, time.Now().Add(time.Hour), 10)
		if len(due) != 1 {
			t.Fatalf("expected reclaimed entry queued again, got %d", len(due))
		}
	})

	t.Run("ReapStale leaves fresh claims alone", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		s.Insert(ctx, ev)
		s.Claim(ctx, ev.ID, "node-a")

		n, err := s.ReapStale(ctx, time.Now(), time.Hour)
		if err != nil {
			t.Fatalf("ReapStale: %v", err)
		}
		if n != 0 {
			t.Fatalf("expected 0 reaped entries, got %d", n)
		}
	})

	t.Run("PeekDue breaks same-second ties by priority", func(t *testing.T) {
		s := NewMemoryStore()
		due := time.Now().Add(-time.Second)
		low := newTestEvent("order.created", due).WithPriority(0)
		high := newTestEvent("order.created", due).WithPriority(10)
		s.Insert(ctx, low)
		s.Insert(ctx, high)

		got, err := s.PeekDue(ctx, time.Now(), 10)
		if err != nil {
			t.Fatalf("PeekDue: %v", err)
		}
		if len(got) != 2 || got[0].ID != high.ID {
			t.Fatalf("expected higher priority entry first, got %+v", got)
		}
	})

	t.Run("Requeue leaves FireAt untouched", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		originalFireAt := ev.FireAt
		s.Insert(ctx, ev)
		claimed, _ := s.Claim(ctx, ev.ID, "node-a")

		next := time.Now().Add(time.Minute)
		if err := s.Requeue(ctx, ev.ID, claimed.ClaimToken, "publish timeout", next); err != nil {
			t.Fatalf("Requeue: %v", err)
		}

		due, _ := s.PeekDue(ctx, next.Add(time.Second), 10)
		if len(due) != 1 {
			t.Fatalf("expected requeued entry to become due, got %d", len(due))
		}
		if !due[0].FireAt.Equal(originalFireAt) {
			t.Fatalf("expected FireAt unchanged at %v, got %v", originalFireAt, due[0].FireAt)
		}
		if !due[0].NextAttemptAt.Equal(next) {
			t.Fatalf("expected NextAttemptAt=%v, got %v", next, due[0].NextAttemptAt)
		}
	})

	t.Run("Insert is idempotent on equivalent resubmission", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		if err := s.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.Insert(ctx, ev); err != nil {
			t.Fatalf("expected equivalent resubmission to succeed, got %v", err)
		}
	})

	t.Run("Insert rejects a conflicting resubmission", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		if err := s.Insert(ctx, ev); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		changed := *ev
		changed.Payload = []byte("different payload")
		if err := s.Insert(ctx, &changed); !event.IsConflict(err) {
			t.Fatalf("expected ConflictError, got %v", err)
		}
	})

	t.Run("Cancel succeeds while queued", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now().Add(time.Hour))
		s.Insert(ctx, ev)

		if err := s.Cancel(ctx, ev.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if n, _ := s.Len(ctx); n != 0 {
			t.Fatalf("expected store empty after cancel, got %d entries", n)
		}
	})

	t.Run("Cancel refuses an already-claimed entry", func(t *testing.T) {
		s := NewMemoryStore()
		ev := newTestEvent("order.created", time.Now())
		s.Insert(ctx, ev)
		s.Claim(ctx, ev.ID, "node-a")

		if err := s.Cancel(ctx, ev.ID); err != event.ErrTooLate {
			t.Fatalf("expected ErrTooLate, got %v", err)
		}
	})
}
