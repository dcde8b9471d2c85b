// Package coldstore implements the durable, long-horizon store for
// scheduled events that are not yet close enough to their fire time to
// live in the hot tier. It favors durability and cheap range scans over
// the sub-millisecond latency hotstore optimizes for.
package coldstore

import (
	"context"
	"sort"
	"sync"
	"time"

	event "github.com/riverchime/scheduler"
)

// Store is the cold-tier contract used by the TransferLoop.
type Store interface {
	// Insert adds ev in StatusPending. Insert is idempotent on ev.ID: if an
	// entry with the same ID already exists and is Equivalent to ev, Insert
	// returns nil without changing anything; if it exists but differs, it
	// returns *event.ConflictError.
	Insert(ctx context.Context, ev *event.ScheduledEvent) error

	// DueForTransfer returns up to limit pending entries whose FireAt has
	// entered the transfer horizon, ordered by FireAt ascending.
	DueForTransfer(ctx context.Context, before time.Time, limit int) ([]*event.ScheduledEvent, error)

	// MarkTransferring guards the first phase of promotion: it transitions
	// ev from StatusPending to StatusTransferring and stamps NodeID with
	// the transferring node's identity, so a second TransferLoop pass
	// racing on the same entry sees it as already claimed. Returns
	// event.ErrNotFound if the entry doesn't exist, or *event.ConflictError
	// if it isn't currently StatusPending.
	MarkTransferring(ctx context.Context, id, nodeID string) error

	// FinalizeTransferred completes a successful promotion: ev moves from
	// StatusTransferring to the terminal StatusTransferred, and the row is
	// retained (not deleted) so the transfer stays auditable. Returns
	// *event.ConflictError if ev isn't currently StatusTransferring.
	FinalizeTransferred(ctx context.Context, id string) error

	// RevertTransfer undoes MarkTransferring when the corresponding hot
	// store insert failed, returning ev to StatusPending so a later pass
	// retries it. Returns *event.ConflictError if ev isn't currently
	// StatusTransferring.
	RevertTransfer(ctx context.Context, id string) error

	// Get retrieves a single event by ID.
	Get(ctx context.Context, id string) (*event.ScheduledEvent, error)

	// Cancel removes a not-yet-fired event, deleting it only while it is
	// still StatusPending. Returns event.ErrNotFound if it doesn't exist,
	// has already transferred out, or is mid-transfer; callers should treat
	// that as "try the hot tier next" rather than "gone".
	Cancel(ctx context.Context, id string) error

	// List returns entries matching filter, most commonly used by the
	// operational surface for inspection.
	List(ctx context.Context, filter Filter) ([]*event.ScheduledEvent, error)

	// DeleteOlderThan purges entries in a terminal state (see
	// event.Status.Terminal) whose UpdatedAt is before cutoff. Entries
	// still awaiting transfer are never touched regardless of age.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Count returns the total number of entries currently held.
	Count(ctx context.Context) (int64, error)

	// Close releases any resources.
	Close(ctx context.Context) error
}

// Filter narrows a List call.
type Filter struct {
	Name   string
	Before time.Time
	After  time.Time
	Limit  int
}

// MemoryStore is an in-process Store used by tests. It is
// safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*event.ScheduledEvent
}

// NewMemoryStore creates an empty in-memory cold store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*event.ScheduledEvent)}
}

func (m *MemoryStore) Insert(_ context.Context, ev *event.ScheduledEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, exists := m.entries[ev.ID]; exists {
		if existing.Equivalent(ev) {
			return nil
		}
		return &event.ConflictError{ID: ev.ID}
	}
	cp := *ev
	cp.Status = event.StatusPending
	cp.UpdatedAt = time.Now()
	m.entries[ev.ID] = &cp
	return nil
}

func (m *MemoryStore) DueForTransfer(_ context.Context, before time.Time, limit int) ([]*event.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*event.ScheduledEvent
	for _, ev := range m.entries {
		if ev.Status == event.StatusPending && !ev.FireAt.After(before) {
			cp := *ev
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) MarkTransferring(_ context.Context, id, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[id]
	if !ok {
		return event.ErrNotFound
	}
	if ev.Status != event.StatusPending {
		return &event.ConflictError{ID: id}
	}
	ev.Status = event.StatusTransferring
	ev.NodeID = nodeID
	ev.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) FinalizeTransferred(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[id]
	if !ok {
		return event.ErrNotFound
	}
	if ev.Status != event.StatusTransferring {
		return &event.ConflictError{ID: id}
	}
	ev.Status = event.StatusTransferred
	ev.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) RevertTransfer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[id]
	if !ok {
		return event.ErrNotFound
	}
	if ev.Status != event.StatusTransferring {
		return &event.ConflictError{ID: id}
	}
	ev.Status = event.StatusPending
	ev.NodeID = ""
	ev.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*event.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[id]
	if !ok {
		return nil, event.ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.entries[id]
	if !ok || ev.Status != event.StatusPending {
		return event.ErrNotFound
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]*event.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*event.ScheduledEvent
	for _, ev := range m.entries {
		if filter.Name != "" && ev.Name != filter.Name {
			continue
		}
		if !filter.After.IsZero() && ev.FireAt.Before(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && ev.FireAt.After(filter.Before) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ev := range m.entries {
		if ev.Status.Terminal() && ev.UpdatedAt.Before(cutoff) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)
