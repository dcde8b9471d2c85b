package event

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecordingPublisher(t *testing.T) {
	p := NewRecordingPublisher()
	ev := NewScheduledEvent("reminder.due", []byte("x"), time.Now(), nil)

	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if p.Count() != 1 {
		t.Fatalf("expected 1 published event, got %d", p.Count())
	}
	if !p.WaitFor(1, 100*time.Millisecond) {
		t.Fatal("expected WaitFor(1) to succeed immediately")
	}

	p.Reset()
	if p.Count() != 0 {
		t.Fatalf("expected 0 after Reset, got %d", p.Count())
	}
}

func TestFailingPublisher(t *testing.T) {
	inner := NewRecordingPublisher()
	p := NewFailingPublisher(inner)
	ev := NewScheduledEvent("reminder.due", []byte("x"), time.Now(), nil)
	ctx := context.Background()

	t.Run("FailNext fails only the configured count", func(t *testing.T) {
		p.FailNext(1, errors.New("boom"))
		if err := p.Publish(ctx, ev); err == nil {
			t.Fatal("expected first publish to fail")
		}
		if err := p.Publish(ctx, ev); err != nil {
			t.Fatalf("expected second publish to succeed, got %v", err)
		}
	})

	t.Run("FailAll fails every publish until Reset", func(t *testing.T) {
		p.Reset()
		p.FailAll(errors.New("down"))
		for i := 0; i < 3; i++ {
			if err := p.Publish(ctx, ev); err == nil {
				t.Fatal("expected publish to fail while FailAll is set")
			}
		}
		p.Reset()
		if err := p.Publish(ctx, ev); err != nil {
			t.Fatalf("expected publish to succeed after Reset, got %v", err)
		}
	})
}

func TestBlockingPublisher(t *testing.T) {
	inner := NewRecordingPublisher()
	p := NewBlockingPublisher(inner)
	ev := NewScheduledEvent("reminder.due", []byte("x"), time.Now(), nil)

	done := make(chan error, 1)
	go func() { done <- p.Publish(context.Background(), ev) }()

	select {
	case <-done:
		t.Fatal("expected Publish to block until Release")
	case <-time.After(20 * time.Millisecond):
	}

	p.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected Publish to succeed after Release, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Publish to unblock after Release")
	}
}

func TestTestClock(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTestClock(base)

	if !c.Now().Equal(base) {
		t.Fatalf("expected Now() to equal base, got %v", c.Now())
	}
	advanced := c.Advance(time.Hour)
	if !advanced.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected Advance to move the clock forward, got %v", advanced)
	}
}
