package idempotency

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh id is not a duplicate", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)
		defer s.Close()

		dup, err := s.IsDuplicate(ctx, "evt-1")
		if err != nil {
			t.Fatalf("IsDuplicate: %v", err)
		}
		if dup {
			t.Fatal("expected fresh id to not be a duplicate")
		}
	})

	t.Run("marked id is a duplicate until removed", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)
		defer s.Close()

		if err := s.MarkProcessed(ctx, "evt-1"); err != nil {
			t.Fatalf("MarkProcessed: %v", err)
		}
		dup, _ := s.IsDuplicate(ctx, "evt-1")
		if !dup {
			t.Fatal("expected marked id to be a duplicate")
		}

		if err := s.Remove(ctx, "evt-1"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		dup, _ = s.IsDuplicate(ctx, "evt-1")
		if dup {
			t.Fatal("expected removed id to no longer be a duplicate")
		}
	})

	t.Run("entry expires after its TTL", func(t *testing.T) {
		s := NewMemoryStore(time.Hour)
		defer s.Close()

		s.MarkProcessedWithTTL(ctx, "evt-1", time.Millisecond)
		time.Sleep(5 * time.Millisecond)

		dup, _ := s.IsDuplicate(ctx, "evt-1")
		if dup {
			t.Fatal("expected expired id to no longer be a duplicate")
		}
	})
}
