package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sink buffers ExecutionRecords and flushes them to a Store in batches,
// either once the buffer reaches batchSize or on a fixed timeout, whichever
// comes first. Record is fire-and-forget and never blocks the caller: the
// pending buffer has no upper bound, reaching batchSize starts a flush in
// the background, and a batch whose write to the Store fails is logged and
// dropped.
type Sink struct {
	store     Store
	batchSize int
	interval  time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*ExecutionRecord

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSink creates a Sink that flushes to store every interval or once
// batchSize records have accumulated.
func NewSink(store Store, batchSize int, interval time.Duration) *Sink {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sink{
		store:     store,
		batchSize: batchSize,
		interval:  interval,
		logger:    slog.Default().With("component", "analytics.sink"),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Store returns the underlying Store, e.g. for wiring the operational
// surface's /stats endpoint.
func (s *Sink) Store() Store { return s.store }

// Record queues rec for the next flush. Never blocks.
func (s *Sink) Record(rec *ExecutionRecord) {
	s.mu.Lock()
	s.pending = append(s.pending, rec)
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		go s.flush(context.Background())
	}
}

// Start runs the timeout-driven flush loop until ctx is cancelled.
func (s *Sink) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			close(s.stoppedCh)
			return ctx.Err()
		case <-s.stopCh:
			s.flush(context.Background())
			close(s.stoppedCh)
			return nil
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// Stop gracefully stops the sink, flushing any pending records first.
func (s *Sink) Stop(ctx context.Context) error {
	close(s.stopCh)
	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := s.store.InsertMany(ctx, batch); err != nil {
		s.logger.Warn("failed to flush execution records", "count", len(batch), "error", err)
	}
}
