package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/riverchime/scheduler/analytics"
	"github.com/riverchime/scheduler/coldstore"
	"github.com/riverchime/scheduler/hotloop"
	"github.com/riverchime/scheduler/hotstore"
	"github.com/riverchime/scheduler/idempotency"
	"github.com/riverchime/scheduler/lockmanager"
	"github.com/riverchime/scheduler/transferloop"
)

const (
	engineStopped int32 = iota
	engineRunning
)

// Engine wires together the cold store, hot store, lock manager, router,
// the two background loops, and the analytics sink into a single unit
// with a Start/Close lifecycle. Constructing the pieces individually
// (rather than through a builder) mirrors how the scheduler's stores are
// each their own package: callers pick concrete store implementations and
// hand them to NewEngine, which owns only the wiring between them.
type Engine struct {
	status int32

	cold      coldstore.Store
	hot       hotstore.Store
	locks     lockmanager.Manager
	router    *Router
	publisher Publisher
	sink      *analytics.Sink
	dedup     idempotency.Store
	breakers  *BreakerRegistry
	conf      *Config

	hotLoop      *hotloop.Loop
	transferLoop *transferloop.Loop

	metrics Metrics
	logger  *slog.Logger
}

// EngineConfig groups the dependencies and tuning knobs an Engine needs.
// Publisher, ColdStore, and HotStore are required; LockManager,
// AnalyticsStore, and Config default to in-memory/DefaultConfig when nil.
type EngineConfig struct {
	Config *Config

	ColdStore      coldstore.Store
	HotStore       hotstore.Store
	LockManager    lockmanager.Manager
	AnalyticsStore analytics.Store
	Publisher      Publisher

	// IdempotencyStore, if set, makes Schedule reject an event ID it has
	// already accepted instead of inserting a second copy. Left nil,
	// Schedule performs no dedup check.
	IdempotencyStore idempotency.Store
}

var (
	// ErrPublisherRequired is returned by NewEngine when no Publisher is configured.
	ErrPublisherRequired = errors.New("event: publisher is required")
	// ErrColdStoreRequired is returned by NewEngine when no cold store is configured.
	ErrColdStoreRequired = errors.New("event: cold store is required")
	// ErrHotStoreRequired is returned by NewEngine when no hot store is configured.
	ErrHotStoreRequired = errors.New("event: hot store is required")
)

// NewEngine builds an Engine from cfg. The lock manager defaults to an
// in-process lockmanager.MemoryManager (fine for a single-node deployment;
// pass a Redis-backed one for multi-node), and the analytics store
// defaults to an in-process analytics.MemoryStore.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Publisher == nil {
		return nil, ErrPublisherRequired
	}
	if cfg.ColdStore == nil {
		return nil, ErrColdStoreRequired
	}
	if cfg.HotStore == nil {
		return nil, ErrHotStoreRequired
	}

	conf := cfg.Config
	if conf == nil {
		conf = DefaultConfig()
	}
	locks := cfg.LockManager
	if locks == nil {
		locks = lockmanager.NewMemoryManager()
	}
	analyticsStore := cfg.AnalyticsStore
	if analyticsStore == nil {
		analyticsStore = analytics.NewMemoryStore()
	}

	logger := conf.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := conf.Metrics
	if metrics == nil {
		metrics = dummyMetrics{}
	}

	router := NewRouter(conf)
	sink := analytics.NewSink(analyticsStore, 100, conf.ColdSyncInterval)
	breakers := NewBreakerRegistry(5, 2, 30*time.Second)

	hl := hotloop.New(cfg.HotStore, locks, cfg.Publisher, sink, breakers, metrics, hotloop.Config{
		NodeID:          conf.NodeID,
		TickInterval:    conf.HotProcessingInterval,
		StaleClaimAfter: conf.StaleClaimTimeout,
		MaxRetries:      conf.MaxRetries,
		RetryDelay:      conf.RetryDelay,
		PoolSize:        conf.MaxConcurrentExecutions,
		DispatchRate:    conf.DispatchRate,
	})

	tl := transferloop.New(cfg.ColdStore, cfg.HotStore, locks, router, breakers, metrics, transferloop.Config{
		NodeID:           conf.NodeID,
		TransferInterval: conf.ColdSyncInterval,
		CleanupAge:       time.Duration(conf.ExecutionHistoryTTLDays) * 24 * time.Hour,
	})

	return &Engine{
		status:       engineStopped,
		cold:         cfg.ColdStore,
		hot:          cfg.HotStore,
		locks:        locks,
		router:       router,
		publisher:    cfg.Publisher,
		sink:         sink,
		dedup:        cfg.IdempotencyStore,
		breakers:     breakers,
		conf:         conf,
		hotLoop:      hl,
		transferLoop: tl,
		metrics:      metrics,
		logger:       logger.With("component", "engine"),
	}, nil
}

// Schedule accepts a new event, routing it to the hot or cold tier
// depending on how close its FireAt is to now. If an IdempotencyStore is
// configured, resubmitting an ID already accepted returns ErrAlreadyExists
// instead of inserting a second copy.
func (e *Engine) Schedule(ctx context.Context, ev *ScheduledEvent) error {
	if ev.MaxDelaySeconds <= 0 {
		ev.MaxDelaySeconds = e.conf.MaxDelaySeconds
	}

	if e.dedup != nil {
		dup, err := e.dedup.IsDuplicate(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("event: idempotency check: %w", err)
		}
		if dup {
			return ErrAlreadyExists
		}
	}

	var err error
	var breakerKey string
	switch e.router.AssignTier(ev, time.Now()) {
	case TierHot:
		breakerKey = "hotstore"
		if !e.breakers.Allow(breakerKey) {
			return &TransientStoreError{Op: "schedule", Err: errors.New("hotstore circuit open")}
		}
		ev.Status = StatusQueued
		err = e.hot.Insert(ctx, ev)
	default:
		breakerKey = "coldstore"
		if !e.breakers.Allow(breakerKey) {
			return &TransientStoreError{Op: "schedule", Err: errors.New("coldstore circuit open")}
		}
		err = e.cold.Insert(ctx, ev)
	}
	if err != nil {
		if IsTransient(err) {
			e.breakers.RecordFailure(breakerKey)
		}
		return err
	}
	e.breakers.RecordSuccess(breakerKey)

	if e.dedup != nil {
		if markErr := e.dedup.MarkProcessed(ctx, ev.ID); markErr != nil {
			e.logger.Error("failed to record idempotency marker", "id", ev.ID, "error", markErr)
		}
	}
	return nil
}

// Cancel removes a not-yet-fired event from whichever tier holds it. It
// tries the cold tier first, falling through to the hot tier when the cold
// tier reports the entry isn't there to cancel (never inserted, already
// promoted, or mid-transfer). Returns ErrNotFound if the entry doesn't
// exist in either tier, or ErrTooLate if a HotLoop worker has already
// claimed it for dispatch.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.cold.Cancel(ctx, id); err == nil || !errors.Is(err, ErrNotFound) {
		if IsTransient(err) {
			e.breakers.RecordFailure("coldstore")
		} else {
			e.breakers.RecordSuccess("coldstore")
		}
		return err
	}
	e.breakers.RecordSuccess("coldstore")

	err := e.hot.Cancel(ctx, id)
	if IsTransient(err) {
		e.breakers.RecordFailure("hotstore")
	} else {
		e.breakers.RecordSuccess("hotstore")
	}
	return err
}

// Start runs the hot loop, transfer loop, and analytics sink until ctx is
// cancelled or Close is called. It blocks; call it from its own goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.status, engineStopped, engineRunning) {
		return errors.New("event: engine already running")
	}
	e.logger.Info("engine starting")

	errCh := make(chan error, 3)
	go func() { errCh <- e.hotLoop.Start(ctx) }()
	go func() { errCh <- e.transferLoop.Start(ctx) }()
	go func() { errCh <- e.sink.Start(ctx) }()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	atomic.StoreInt32(&e.status, engineStopped)
	return firstErr
}

// Close stops all background loops and releases held resources.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if err := e.hotLoop.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.transferLoop.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.sink.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.publisher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.locks.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// TransferNow triggers an out-of-band transfer pass, satisfying
// monitor.Syncer.
func (e *Engine) TransferNow(ctx context.Context) (int, error) {
	return e.transferLoop.TransferNow(ctx)
}

// CleanupNow triggers an out-of-band cold-store cleanup pass, satisfying
// monitor.Cleaner.
func (e *Engine) CleanupNow(ctx context.Context) (int64, error) {
	return e.transferLoop.CleanupNow(ctx)
}

// ColdStore exposes the underlying cold store, e.g. for wiring monitor.New.
func (e *Engine) ColdStore() coldstore.Store { return e.cold }

// HotStore exposes the underlying hot store, e.g. for wiring monitor.New.
func (e *Engine) HotStore() hotstore.Store { return e.hot }

// AnalyticsStore exposes the analytics store the engine's Sink writes to,
// e.g. for wiring monitor.New.
func (e *Engine) AnalyticsStore() analytics.Store { return e.sink.Store() }

// Snapshot returns a point-in-time view of every dependency breaker's
// state, satisfying monitor.Breakers.
func (e *Engine) Snapshot() map[string]Stats { return e.breakers.Snapshot() }

// Reset forces the named dependency breaker back to closed, satisfying
// monitor.Breakers.
func (e *Engine) Reset(name string) { e.breakers.Reset(name) }
