// Package lockmanager provides fenced distributed leases used to run
// exactly one instance of the HotLoop and TransferLoop reapers across a
// fleet of scheduler nodes at a time.
package lockmanager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	event "github.com/riverchime/scheduler"
)

// Lease represents ownership of a named lock, fenced by a random token
// so a node that loses and regains connectivity cannot accidentally
// release or renew a lease another node has since acquired.
type Lease struct {
	Name  string
	Token string
	TTL   time.Duration
}

// Manager acquires, renews, and releases fenced leases.
type Manager interface {
	// Acquire attempts to take the named lease for ttl. Returns
	// event.ErrLeaseHeld if another owner currently holds it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error)

	// Renew extends a held lease's TTL. Returns a
	// *event.LeaseLostError if the caller no longer owns it (lost to
	// expiry and reacquired elsewhere).
	Renew(ctx context.Context, lease *Lease, ttl time.Duration) error

	// Release gives up a held lease. A no-op (returns nil) if the lease
	// was already lost, since the caller's goal — not holding it — is
	// already satisfied.
	Release(ctx context.Context, lease *Lease) error

	// Close releases any resources.
	Close(ctx context.Context) error
}

// MemoryManager is an in-process Manager for tests.
type MemoryManager struct {
	mu    sync.Mutex
	held  map[string]string // name -> token
	until map[string]time.Time
}

// NewMemoryManager creates an empty in-memory lease manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		held:  make(map[string]string),
		until: make(map[string]time.Time),
	}
}

func (m *MemoryManager) expired(name string) bool {
	deadline, ok := m.until[name]
	return !ok || time.Now().After(deadline)
}

func (m *MemoryManager) Acquire(_ context.Context, name string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.held[name]; held && !m.expired(name) {
		return nil, event.ErrLeaseHeld
	}

	token := uuid.NewString()
	m.held[name] = token
	m.until[name] = time.Now().Add(ttl)
	return &Lease{Name: name, Token: token, TTL: ttl}, nil
}

func (m *MemoryManager) Renew(_ context.Context, lease *Lease, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.held[lease.Name]
	if !ok || current != lease.Token || m.expired(lease.Name) {
		return &event.LeaseLostError{Name: lease.Name, Token: lease.Token}
	}
	m.until[lease.Name] = time.Now().Add(ttl)
	return nil
}

func (m *MemoryManager) Release(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.held[lease.Name]; !ok || current != lease.Token {
		return nil
	}
	delete(m.held, lease.Name)
	delete(m.until, lease.Name)
	return nil
}

func (m *MemoryManager) Close(context.Context) error { return nil }

var _ Manager = (*MemoryManager)(nil)
