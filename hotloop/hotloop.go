// Package hotloop drives dispatch of due events out of the hot store: a
// tick-based reaper reclaims abandoned claims, a bounded worker pool
// claims and publishes due entries, and failures are retried with
// backoff or routed to StatusFailed once retries are exhausted.
package hotloop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/analytics"
	"github.com/riverchime/scheduler/hotstore"
	"github.com/riverchime/scheduler/lockmanager"
)

// Loop claims due entries from a hotstore.Store, publishes them, and
// requeues or fails them depending on how the publish attempt went.
type Loop struct {
	store     hotstore.Store
	locks     lockmanager.Manager
	publisher event.Publisher
	sink      *analytics.Sink
	breakers  *event.BreakerRegistry
	limiter   *rate.Limiter
	metrics   event.Metrics
	logger    *slog.Logger

	nodeID string

	tickInterval    time.Duration
	staleClaimAfter time.Duration
	maxRetries      int
	retryDelay      time.Duration
	poolSize        int

	leaseName string

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Config configures a Loop.
type Config struct {
	NodeID          string
	TickInterval    time.Duration
	StaleClaimAfter time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	PoolSize        int

	// DispatchRate caps publish attempts per second across the whole
	// worker pool, smoothing bursts from a large batch of entries
	// entering their fire time at once. Zero means unlimited.
	DispatchRate float64
	// DispatchBurst is the token bucket burst size backing DispatchRate.
	DispatchBurst int
}

// New creates a hot-tier dispatch loop. breakers is shared with the rest
// of the engine so the "publisher" and "hotstore" dependency keys reflect
// a single trip state no matter which loop observed the failures.
func New(store hotstore.Store, locks lockmanager.Manager, publisher event.Publisher, sink *analytics.Sink, breakers *event.BreakerRegistry, metrics event.Metrics, cfg Config) *Loop {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 50
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if breakers == nil {
		breakers = event.NewBreakerRegistry(5, 2, 30*time.Second)
	}

	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst <= 0 {
			burst = cfg.PoolSize
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}

	return &Loop{
		store:           store,
		locks:           locks,
		publisher:       publisher,
		sink:            sink,
		breakers:        breakers,
		limiter:         limiter,
		metrics:         metrics,
		logger:          slog.Default().With("component", "hotloop"),
		nodeID:          cfg.NodeID,
		tickInterval:    cfg.TickInterval,
		staleClaimAfter: cfg.StaleClaimAfter,
		maxRetries:      cfg.MaxRetries,
		retryDelay:      cfg.RetryDelay,
		poolSize:        cfg.PoolSize,
		leaseName:       "hotloop-reaper",
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
	}
}

// Start runs the dispatch and reaper loops until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	ticker := time.NewTicker(l.tickInterval)
	defer ticker.Stop()

	reapTicker := time.NewTicker(l.staleClaimAfter / 2)
	defer reapTicker.Stop()

	l.logger.Info("hotloop started", "tick_interval", l.tickInterval, "pool_size", l.poolSize)

	for {
		select {
		case <-ctx.Done():
			close(l.stoppedCh)
			return ctx.Err()
		case <-l.stopCh:
			close(l.stoppedCh)
			return nil
		case <-ticker.C:
			l.dispatchDue(ctx)
		case <-reapTicker.C:
			l.reap(ctx)
		}
	}
}

// Stop gracefully stops the loop.
func (l *Loop) Stop(ctx context.Context) error {
	close(l.stopCh)
	select {
	case <-l.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reap reclaims entries stuck in StatusProcessing past staleClaimAfter,
// guarded by a fenced lease so only one node runs it at a time.
func (l *Loop) reap(ctx context.Context) {
	lease, err := l.locks.Acquire(ctx, l.leaseName, l.staleClaimAfter)
	if err != nil {
		return // another node holds the reaper lease; nothing to do
	}
	defer l.locks.Release(ctx, lease)

	n, err := l.store.ReapStale(ctx, time.Now(), l.staleClaimAfter)
	if err != nil {
		if event.IsTransient(err) {
			l.breakers.RecordFailure("hotstore")
		}
		l.logger.Error("reap failed", "error", err)
		return
	}
	l.breakers.RecordSuccess("hotstore")
	if n > 0 {
		l.logger.Warn("reclaimed abandoned claims", "count", n)
		for i := 0; i < n; i++ {
			l.metrics.Reaped()
		}
	}
}

// dispatchDue peeks due entries and fans claim+publish out across a
// bounded worker pool.
func (l *Loop) dispatchDue(ctx context.Context) {
	if !l.breakers.Allow("publisher") {
		l.logger.Debug("publisher circuit open, skipping dispatch tick")
		return
	}

	if !l.breakers.Allow("hotstore") {
		l.logger.Debug("hotstore circuit open, skipping dispatch tick")
		return
	}

	due, err := l.store.PeekDue(ctx, time.Now(), l.poolSize)
	if err != nil {
		if event.IsTransient(err) {
			l.breakers.RecordFailure("hotstore")
		}
		l.logger.Error("peek due failed", "error", err)
		return
	}
	l.breakers.RecordSuccess("hotstore")
	if len(due) == 0 {
		return
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, l.poolSize)
	for _, ev := range due {
		wg.Add(1)
		sem <- struct{}{}
		go func(ev *event.ScheduledEvent) {
			defer wg.Done()
			defer func() { <-sem }()
			l.process(ctx, ev.ID)
		}(ev)
	}
	wg.Wait()
}

// process claims a single entry and publishes it, requeueing on
// transient failure or moving to StatusFailed once retries exhaust.
func (l *Loop) process(ctx context.Context, id string) {
	claimed, err := l.store.Claim(ctx, id, l.nodeID)
	if err != nil {
		if !event.IsConflict(err) && err != event.ErrNotFound {
			if event.IsTransient(err) {
				l.breakers.RecordFailure("hotstore")
			}
			l.logger.Error("claim failed", "id", id, "error", err)
		}
		return
	}
	l.metrics.Claimed()

	if claimed.Stale(time.Now()) {
		l.metrics.Skipped()
		if err := l.store.Release(ctx, claimed.ID, claimed.ClaimToken); err != nil {
			l.logger.Error("release after stale drop failed", "id", id, "error", err)
		}
		l.recordOutcome(claimed, analytics.OutcomeSkipped, "")
		l.logger.Warn("dropped stale entry past max delay", "id", id, "fire_at", claimed.FireAt)
		return
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			l.logger.Debug("dispatch rate wait interrupted", "id", id, "error", err)
			return
		}
	}

	l.metrics.Dispatched()
	publishErr := l.publisher.Publish(ctx, claimed)
	if publishErr == nil {
		l.breakers.RecordSuccess("publisher")
		if err := l.store.Release(ctx, claimed.ID, claimed.ClaimToken); err != nil {
			l.logger.Error("release after publish failed", "id", id, "error", err)
		}
		l.metrics.Completed()
		l.recordOutcome(claimed, analytics.OutcomeSuccess, "")
		return
	}

	l.breakers.RecordFailure("publisher")

	if event.IsPublishPermanent(publishErr) || claimed.Attempts >= l.maxRetries {
		l.metrics.Failed()
		if err := l.store.Release(ctx, claimed.ID, claimed.ClaimToken); err != nil {
			l.logger.Error("release after terminal failure failed", "id", id, "error", err)
		}
		l.recordOutcome(claimed, classifyOutcome(publishErr), publishErr.Error())
		l.logger.Warn("event exhausted retries", "id", id, "attempts", claimed.Attempts, "error", publishErr)
		return
	}

	next := time.Now().Add(l.retryDelay * time.Duration(1<<uint(claimed.Attempts)))
	if err := l.store.Requeue(ctx, claimed.ID, claimed.ClaimToken, publishErr.Error(), next); err != nil {
		l.logger.Error("requeue failed", "id", id, "error", err)
		return
	}
	l.metrics.Requeued()
	l.recordOutcome(claimed, classifyOutcome(publishErr), publishErr.Error())
}

// classifyOutcome maps a publish failure to the ExecutionRecord outcome it
// should be recorded under: a deadline expiring is reported as a timeout
// distinct from other publish errors.
func classifyOutcome(err error) analytics.Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return analytics.OutcomeTimeout
	}
	return analytics.OutcomeError
}

func (l *Loop) recordOutcome(ev *event.ScheduledEvent, outcome analytics.Outcome, errMsg string) {
	if l.sink == nil {
		return
	}
	rec := analytics.NewExecutionRecord(ev.ID, ev.Name, ev.CorrelationID, ev.NodeID, outcome, ev.Attempts, errMsg, ev.FireAt, ev.CreatedAt, ev.TransferredAt, time.Now())
	l.sink.Record(rec)
}
