package publish

import (
	"context"
	"errors"
	"sync"

	event "github.com/riverchime/scheduler"
)

// errPublisherClosed is returned when Publish is called after Close.
var errPublisherClosed = errors.New("publish: publisher is closed")

// Handler processes a fired event delivered by MemoryPublisher.
type Handler func(ctx context.Context, ev *event.ScheduledEvent) error

// MemoryPublisher delivers fired events directly to in-process handlers
// registered by name, for local development and integration tests that
// want a real Publisher without standing up Kafka or NATS.
type MemoryPublisher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool
}

// NewMemoryPublisher creates an empty in-process publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{handlers: make(map[string][]Handler)}
}

// Handle registers fn to receive events published under name.
func (p *MemoryPublisher) Handle(name string, fn Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = append(p.handlers[name], fn)
}

func (p *MemoryPublisher) Publish(ctx context.Context, ev *event.ScheduledEvent) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return &event.PublishPermanentError{Err: errPublisherClosed}
	}
	handlers := p.handlers[ev.Name]
	p.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			return &event.PublishTransientError{Err: err}
		}
	}
	return nil
}

func (p *MemoryPublisher) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var _ event.Publisher = (*MemoryPublisher)(nil)
