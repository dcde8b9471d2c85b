package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore tracks processed IDs in a map, for single-node deployments
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
	stopCh  chan struct{}
}

// NewMemoryStore creates an in-memory idempotency store with the given
// default TTL. A background goroutine sweeps expired entries every minute;
// call Close to stop it.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
	}
	go s.cleanup()
	return s
}

func (s *MemoryStore) IsDuplicate(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.entries[id]
	if !exists {
		return false, nil
	}
	return time.Now().Before(expiry), nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	return s.MarkProcessedWithTTL(ctx, id, s.ttl)
}

func (s *MemoryStore) MarkProcessedWithTTL(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Len reports the number of tracked entries, including any not yet swept
// past expiry.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for id, expiry := range s.entries {
				if now.After(expiry) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

var _ Store = (*MemoryStore)(nil)
