// Package transferloop promotes events from the cold store into the hot
// store as they enter the transfer horizon, and periodically purges
// terminal cold-tier entries whose UpdatedAt is older than the cleanup age.
package transferloop

import (
	"context"
	"log/slog"
	"time"

	event "github.com/riverchime/scheduler"
	"github.com/riverchime/scheduler/coldstore"
	"github.com/riverchime/scheduler/hotstore"
	"github.com/riverchime/scheduler/lockmanager"
)

// Loop polls the cold store for entries entering the transfer horizon
// and moves them into the hot store.
type Loop struct {
	cold     coldstore.Store
	hot      hotstore.Store
	locks    lockmanager.Manager
	router   *event.Router
	breakers *event.BreakerRegistry
	metrics  event.Metrics
	logger   *slog.Logger

	nodeID string

	transferInterval time.Duration
	cleanupInterval  time.Duration
	cleanupAge       time.Duration
	batchSize        int

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// Config configures a Loop.
type Config struct {
	NodeID           string
	TransferInterval time.Duration
	CleanupInterval  time.Duration
	CleanupAge       time.Duration
	BatchSize        int
}

// New creates a cold-to-hot transfer loop. breakers is shared with the
// rest of the engine so the "coldstore" and "hotstore" dependency keys
// reflect a single trip state no matter which loop observed the failures.
func New(cold coldstore.Store, hot hotstore.Store, locks lockmanager.Manager, router *event.Router, breakers *event.BreakerRegistry, metrics event.Metrics, cfg Config) *Loop {
	if cfg.TransferInterval <= 0 {
		cfg.TransferInterval = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.CleanupAge <= 0 {
		cfg.CleanupAge = 7 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if breakers == nil {
		breakers = event.NewBreakerRegistry(5, 2, 30*time.Second)
	}
	return &Loop{
		cold:             cold,
		hot:              hot,
		locks:            locks,
		router:           router,
		breakers:         breakers,
		metrics:          metrics,
		logger:           slog.Default().With("component", "transferloop"),
		nodeID:           cfg.NodeID,
		transferInterval: cfg.TransferInterval,
		cleanupInterval:  cfg.CleanupInterval,
		cleanupAge:       cfg.CleanupAge,
		batchSize:        cfg.BatchSize,
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
	}
}

// Start polls for transferable entries and periodically cleans up stale
// cold-tier entries, blocking until ctx is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	ticker := time.NewTicker(l.transferInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(l.cleanupInterval)
	defer cleanupTicker.Stop()

	l.logger.Info("transferloop started",
		"transfer_interval", l.transferInterval,
		"cleanup_interval", l.cleanupInterval)

	for {
		select {
		case <-ctx.Done():
			close(l.stoppedCh)
			return ctx.Err()
		case <-l.stopCh:
			close(l.stoppedCh)
			return nil
		case <-ticker.C:
			l.transferDue(ctx)
		case <-cleanupTicker.C:
			l.cleanup(ctx)
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

// transferDue promotes cold entries within the transfer horizon into the
// hot store, guarded by a fenced lease so only one node transfers at a
// time and entries are never duplicated across nodes.
func (l *Loop) transferDue(ctx context.Context) {
	if _, err := l.TransferNow(ctx); err != nil {
		l.logger.Error("failed to list transferable entries", "error", err)
	}
}

// TransferNow runs one transfer pass immediately, outside the loop's
// normal tick cadence, and reports how many entries were promoted. Used
// by the operational surface's manual /sync trigger.
func (l *Loop) TransferNow(ctx context.Context) (int, error) {
	lease, err := l.locks.Acquire(ctx, "transfer-lease", l.transferInterval*2)
	if err != nil {
		return 0, nil // another node owns the transfer lease this tick
	}
	defer l.locks.Release(ctx, lease)

	if !l.breakers.Allow("coldstore") {
		l.logger.Debug("coldstore circuit open, skipping transfer tick")
		return 0, nil
	}

	now := time.Now()
	due, err := l.cold.DueForTransfer(ctx, now.Add(l.horizonPadding()), l.batchSize)
	if err != nil {
		if event.IsTransient(err) {
			l.breakers.RecordFailure("coldstore")
		}
		return 0, err
	}
	l.breakers.RecordSuccess("coldstore")

	transferred := 0
	for _, ev := range due {
		if err := l.cold.MarkTransferring(ctx, ev.ID, l.nodeID); err != nil {
			if !event.IsConflict(err) {
				if event.IsTransient(err) {
					l.breakers.RecordFailure("coldstore")
				}
				l.logger.Error("failed to mark transferring", "id", ev.ID, "error", err)
			}
			continue
		}
		l.breakers.RecordSuccess("coldstore")

		ev.TransferredAt = time.Now()
		if err := l.hot.Insert(ctx, ev); err != nil {
			if event.IsTransient(err) {
				l.breakers.RecordFailure("hotstore")
			}
			l.logger.Error("failed to insert into hot store", "id", ev.ID, "error", err)
			if revertErr := l.cold.RevertTransfer(ctx, ev.ID); revertErr != nil {
				l.logger.Error("failed to revert transfer", "id", ev.ID, "error", revertErr)
			}
			// A hot-store insert failure here is transient and likely
			// systemic (the hot store itself is unreachable): bail out of
			// the whole batch rather than burning through the remaining
			// due entries against a dependency that just failed.
			break
		}
		l.breakers.RecordSuccess("hotstore")

		if err := l.cold.FinalizeTransferred(ctx, ev.ID); err != nil {
			if event.IsTransient(err) {
				l.breakers.RecordFailure("coldstore")
			}
			l.logger.Error("failed to finalize transfer", "id", ev.ID, "error", err)
			continue
		}
		l.metrics.Transferred()
		transferred++
	}

	if transferred > 0 {
		l.logger.Debug("transferred entries to hot store", "count", transferred)
	}
	return transferred, nil
}

// horizonPadding returns how far past "now" DueForTransfer should look,
// derived from the router's configured transfer horizon so the loop
// doesn't need its own copy of that setting.
func (l *Loop) horizonPadding() time.Duration {
	if l.router == nil {
		return 0
	}
	return l.router.TransferHorizon()
}

// cleanup purges terminal cold-tier entries (transferred, cancelled and
// the like) whose UpdatedAt is older than cleanupAge; entries that are
// still pending are never removed, whatever their age.
func (l *Loop) cleanup(ctx context.Context) {
	if _, err := l.CleanupNow(ctx); err != nil {
		l.logger.Error("cleanup failed", "error", err)
	}
}

// CleanupNow runs one cleanup pass immediately, outside the loop's
// normal tick cadence, and reports how many entries were purged. Used
// by the operational surface's manual /cleanup trigger.
func (l *Loop) CleanupNow(ctx context.Context) (int64, error) {
	lease, err := l.locks.Acquire(ctx, "cleanup-lease", l.cleanupInterval*2)
	if err != nil {
		return 0, nil
	}
	defer l.locks.Release(ctx, lease)

	cutoff := time.Now().Add(-l.cleanupAge)
	n, err := l.cold.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		if event.IsTransient(err) {
			l.breakers.RecordFailure("coldstore")
		}
		return 0, err
	}
	l.breakers.RecordSuccess("coldstore")
	if n > 0 {
		l.logger.Info("cleaned up stale cold-tier entries", "count", n)
	}
	return n, nil
}
