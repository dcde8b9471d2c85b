// Package hotstore implements the near-term store scheduled events pass
// through in the seconds to minutes before their fire time. It favors low
// per-operation latency over durability; entries only live here briefly,
// having already been made durable by the coldstore package.
package hotstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	event "github.com/riverchime/scheduler"
)

// Store is the hot-tier contract used by the HotLoop.
//
// All claim operations must be atomic against concurrent callers on other
// nodes: two workers racing to claim the same entry must never both
// succeed.
type Store interface {
	// Insert adds ev in StatusQueued. Insert is idempotent on ev.ID: if an
	// entry with the same ID already exists and is Equivalent to ev, Insert
	// returns nil without changing anything; if it exists but differs, it
	// returns *event.ConflictError.
	Insert(ctx context.Context, ev *event.ScheduledEvent) error

	// PeekDue returns up to limit queued entries whose due time (FireAt, or
	// NextAttemptAt after a requeue) has passed, ordered by event.Score
	// ascending so higher-priority same-second entries sort first. It does
	// not claim them.
	PeekDue(ctx context.Context, now time.Time, limit int) ([]*event.ScheduledEvent, error)

	// Claim atomically transitions ev from StatusQueued to StatusProcessing,
	// stamping ClaimedAt, NodeID, and a fresh ClaimToken. Returns a
	// *event.ConflictError if another worker claimed it first, or
	// event.ErrNotFound if it no longer exists.
	Claim(ctx context.Context, id, nodeID string) (*event.ScheduledEvent, error)

	// Release removes the entry after a successful publish, or after it
	// moves to a terminal state. The token must match the current claim.
	Release(ctx context.Context, id, token string) error

	// Requeue reverts a claimed entry back to StatusQueued (transient
	// publish failure, worth another attempt), incrementing Attempts and
	// recording lastErr. The token must match the current claim.
	Requeue(ctx context.Context, id, token, lastErr string, nextAttemptAt time.Time) error

	// ReapStale finds entries stuck in StatusProcessing past staleAfter and
	// reverts them to StatusQueued, returning how many were reclaimed.
	ReapStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int, error)

	// Remove deletes ev without regard to its current claim; used to move
	// an entry to a terminal state (StatusFailed, StatusCancelled).
	Remove(ctx context.Context, id string) error

	// Cancel deletes ev only while it is still StatusQueued, so a worker
	// racing to claim it can never be undercut mid-publish. Returns
	// event.ErrNotFound if the entry doesn't exist, or event.ErrTooLate if
	// it has already been claimed for dispatch.
	Cancel(ctx context.Context, id string) error

	// Len returns the number of entries currently held (for /stats).
	Len(ctx context.Context) (int64, error)

	// Close releases any resources.
	Close(ctx context.Context) error
}

// MemoryStore is an in-process Store used by tests. It is
// safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*event.ScheduledEvent
}

// NewMemoryStore creates an empty in-memory hot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*event.ScheduledEvent)}
}

func (m *MemoryStore) Insert(_ context.Context, ev *event.ScheduledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[ev.ID]; ok {
		if existing.Equivalent(ev) {
			return nil
		}
		return &event.ConflictError{ID: ev.ID}
	}
	cp := *ev
	cp.Status = event.StatusQueued
	cp.UpdatedAt = time.Now()
	m.entries[ev.ID] = &cp
	return nil
}

func (m *MemoryStore) PeekDue(_ context.Context, now time.Time, limit int) ([]*event.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*event.ScheduledEvent
	for _, ev := range m.entries {
		if ev.Status == event.StatusQueued && ev.Due(now) {
			cp := *ev
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return event.Score(due[i].DueAt(), due[i].Priority) < event.Score(due[j].DueAt(), due[j].Priority)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) Claim(_ context.Context, id, nodeID string) (*event.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.entries[id]
	if !ok {
		return nil, event.ErrNotFound
	}
	if ev.Status != event.StatusQueued {
		return nil, &event.ConflictError{ID: id}
	}
	ev.Status = event.StatusProcessing
	ev.ClaimedAt = time.Now()
	ev.UpdatedAt = ev.ClaimedAt
	ev.ClaimToken = uuid.NewString()
	ev.NodeID = nodeID
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) Release(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.entries[id]
	if !ok {
		return event.ErrNotFound
	}
	if ev.ClaimToken != token {
		return event.ErrNotClaimed
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) Requeue(_ context.Context, id, token, lastErr string, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.entries[id]
	if !ok {
		return event.ErrNotFound
	}
	if ev.ClaimToken != token {
		return event.ErrNotClaimed
	}
	ev.Status = event.StatusQueued
	ev.Attempts++
	ev.LastError = lastErr
	ev.ClaimToken = ""
	ev.NodeID = ""
	ev.NextAttemptAt = nextAttemptAt
	ev.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ReapStale(_ context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, ev := range m.entries {
		if ev.Status == event.StatusProcessing && now.Sub(ev.ClaimedAt) > staleAfter {
			ev.Status = event.StatusQueued
			ev.ClaimToken = ""
			ev.NodeID = ""
			ev.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[id]
	if !ok {
		return event.ErrNotFound
	}
	if ev.Status != event.StatusQueued {
		return event.ErrTooLate
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
