package event

import "context"

// Publisher delivers a fired ScheduledEvent to whatever downstream system
// the caller configured (Kafka, NATS, an in-process channel for tests).
// Implementations classify failures by returning a PublishTransientError
// (worth retrying) or a PublishPermanentError (move straight to
// StatusFailed); any other error is treated as transient.
type Publisher interface {
	// Publish delivers ev.Payload under ev.Name, carrying ev.Metadata.
	Publish(ctx context.Context, ev *ScheduledEvent) error

	// Close releases resources held by the publisher.
	Close(ctx context.Context) error
}
