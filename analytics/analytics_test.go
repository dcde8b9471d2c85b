package analytics

import (
	"context"
	"testing"
	"time"
)

func TestNewExecutionRecord(t *testing.T) {
	t.Run("splits queue time across cold and hot tiers", func(t *testing.T) {
		created := time.Now().Add(-time.Hour)
		transferred := created.Add(50 * time.Minute)
		recorded := transferred.Add(9*time.Minute + 30*time.Second)

		rec := NewExecutionRecord("evt-1", "orders.reminder", "corr-1", "node-a", OutcomeSuccess, 1, "", created.Add(time.Hour), created, transferred, recorded)

		if got, want := rec.ColdQueueSeconds, 50*time.Minute.Seconds(); got != want {
			t.Errorf("ColdQueueSeconds = %v, want %v", got, want)
		}
		if got, want := rec.HotQueueSeconds, (9*time.Minute + 30*time.Second).Seconds(); got != want {
			t.Errorf("HotQueueSeconds = %v, want %v", got, want)
		}
	})

	t.Run("attributes all queue time to hot tier when transfer was skipped", func(t *testing.T) {
		created := time.Now().Add(-time.Minute)
		recorded := time.Now()

		rec := NewExecutionRecord("evt-2", "orders.reminder", "", "node-a", OutcomeSuccess, 1, "", created.Add(time.Minute), created, time.Time{}, recorded)

		if rec.ColdQueueSeconds != 0 {
			t.Errorf("expected ColdQueueSeconds 0 for immediate-horizon events, got %v", rec.ColdQueueSeconds)
		}
		if rec.HotQueueSeconds <= 0 {
			t.Errorf("expected positive HotQueueSeconds, got %v", rec.HotQueueSeconds)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Recent orders by RecordedAt descending", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Now()
		older := &ExecutionRecord{EventID: "a", RecordedAt: now.Add(-time.Minute)}
		newer := &ExecutionRecord{EventID: "b", RecordedAt: now}
		s.InsertMany(ctx, []*ExecutionRecord{older, newer})

		out, err := s.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(out) != 2 || out[0].EventID != "b" {
			t.Fatalf("expected newest-first order, got %+v", out)
		}
	})

	t.Run("DeleteOlderThan purges by RecordedAt", func(t *testing.T) {
		s := NewMemoryStore()
		now := time.Now()
		s.InsertMany(ctx, []*ExecutionRecord{
			{EventID: "old", RecordedAt: now.Add(-48 * time.Hour)},
			{EventID: "new", RecordedAt: now},
		})

		n, err := s.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("DeleteOlderThan: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 deleted, got %d", n)
		}
		remaining, _ := s.Recent(ctx, 10)
		if len(remaining) != 1 || remaining[0].EventID != "new" {
			t.Fatalf("expected only 'new' to remain, got %+v", remaining)
		}
	})
}

func TestSink(t *testing.T) {
	t.Run("flushes once the batch size is reached", func(t *testing.T) {
		store := NewMemoryStore()
		sink := NewSink(store, 2, time.Hour)

		sink.Record(&ExecutionRecord{EventID: "a", RecordedAt: time.Now()})
		sink.Record(&ExecutionRecord{EventID: "b", RecordedAt: time.Now()})

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			out, _ := store.Recent(context.Background(), 10)
			if len(out) == 2 {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("expected batch to flush once full")
	})

	t.Run("Stop flushes remaining records", func(t *testing.T) {
		store := NewMemoryStore()
		sink := NewSink(store, 100, time.Hour)
		sink.Record(&ExecutionRecord{EventID: "a", RecordedAt: time.Now()})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sink.Start(ctx)

		if err := sink.Stop(context.Background()); err != nil {
			t.Fatalf("Stop: %v", err)
		}

		out, _ := store.Recent(context.Background(), 10)
		if len(out) != 1 {
			t.Fatalf("expected pending record flushed on stop, got %d", len(out))
		}
	})
}
