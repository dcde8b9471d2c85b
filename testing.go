package event

import (
	"context"
	"sync"
	"time"
)

// RecordedPublish captures a single Publish call for later assertion.
type RecordedPublish struct {
	Event *ScheduledEvent
	At    time.Time
}

// RecordingPublisher records every event it's asked to publish and always
// succeeds, for tests that only need to assert on delivery.
type RecordingPublisher struct {
	mu        sync.Mutex
	published []RecordedPublish
}

// NewRecordingPublisher creates an empty RecordingPublisher.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

func (p *RecordingPublisher) Publish(_ context.Context, ev *ScheduledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, RecordedPublish{Event: ev, At: time.Now()})
	return nil
}

func (p *RecordingPublisher) Close(context.Context) error { return nil }

// Published returns every event recorded so far.
func (p *RecordingPublisher) Published() []RecordedPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RecordedPublish, len(p.published))
	copy(out, p.published)
	return out
}

// Count returns the number of successful publishes recorded.
func (p *RecordingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// WaitFor blocks until at least n events have been published or timeout
// elapses, returning whether n was reached.
func (p *RecordingPublisher) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Count() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return p.Count() >= n
}

// Reset clears all recorded publishes.
func (p *RecordingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = nil
}

var _ Publisher = (*RecordingPublisher)(nil)

// FailingPublisher wraps another Publisher and can be configured to fail
// the next N publishes, or all of them, with a chosen error. Useful for
// exercising HotLoop's retry and circuit-breaker behavior.
type FailingPublisher struct {
	inner Publisher

	mu       sync.Mutex
	err      error
	failAll  bool
	failNext int
}

// NewFailingPublisher wraps inner, which is required; publishes that
// aren't configured to fail are delegated to it.
func NewFailingPublisher(inner Publisher) *FailingPublisher {
	if inner == nil {
		panic("event: inner publisher is required for NewFailingPublisher")
	}
	return &FailingPublisher{inner: inner}
}

func (p *FailingPublisher) Publish(ctx context.Context, ev *ScheduledEvent) error {
	p.mu.Lock()
	shouldFail := p.failAll || p.failNext > 0
	err := p.err
	if p.failNext > 0 {
		p.failNext--
	}
	p.mu.Unlock()

	if shouldFail {
		if err != nil {
			return err
		}
		return &PublishTransientError{Err: context.DeadlineExceeded}
	}
	return p.inner.Publish(ctx, ev)
}

func (p *FailingPublisher) Close(ctx context.Context) error { return p.inner.Close(ctx) }

// FailAll makes every subsequent publish fail with err.
func (p *FailingPublisher) FailAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = true
	p.err = err
}

// FailNext makes the next n publishes fail with err.
func (p *FailingPublisher) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.err = err
}

// Reset clears all configured failures.
func (p *FailingPublisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAll = false
	p.failNext = 0
	p.err = nil
}

var _ Publisher = (*FailingPublisher)(nil)

// BlockingPublisher wraps another Publisher and blocks every Publish call
// until Release is called, for tests that need to assert on in-flight
// dispatch state (e.g. that the reaper reclaims a stuck claim).
type BlockingPublisher struct {
	inner Publisher

	mu      sync.Mutex
	blockCh chan struct{}
	blocked bool
}

// NewBlockingPublisher wraps inner, which is required, starting blocked.
func NewBlockingPublisher(inner Publisher) *BlockingPublisher {
	if inner == nil {
		panic("event: inner publisher is required for NewBlockingPublisher")
	}
	return &BlockingPublisher{inner: inner, blockCh: make(chan struct{}), blocked: true}
}

func (p *BlockingPublisher) Publish(ctx context.Context, ev *ScheduledEvent) error {
	p.mu.Lock()
	blocked := p.blocked
	ch := p.blockCh
	p.mu.Unlock()

	if blocked {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
	return p.inner.Publish(ctx, ev)
}

func (p *BlockingPublisher) Close(ctx context.Context) error { return p.inner.Close(ctx) }

// Release unblocks all waiting and future publishes until Block is called again.
func (p *BlockingPublisher) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.blocked {
		close(p.blockCh)
		p.blocked = false
	}
}

// Block re-arms blocking after a Release.
func (p *BlockingPublisher) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.blocked {
		p.blockCh = make(chan struct{})
		p.blocked = true
	}
}

var _ Publisher = (*BlockingPublisher)(nil)

// TestClock lets tests control what "now" a fixed-horizon check sees,
// without sleeping in real time. Components in this package take time.Time
// values directly rather than a clock interface, so TestClock is mainly
// useful for generating a sequence of FireAt values relative to a base.
type TestClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewTestClock creates a TestClock starting at now.
func NewTestClock(now time.Time) *TestClock {
	return &TestClock{now: now}
}

// Now returns the clock's current time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *TestClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
