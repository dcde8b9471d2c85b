// Package analytics records what happened to each scheduled event once
// the engine has acted on it, for offline inspection of scheduling
// latency and failure patterns. Writes are advisory: a lost analytics
// write never blocks or fails delivery of the underlying event.
package analytics

import "time"

// Outcome is the terminal result of one dispatch attempt.
type Outcome string

const (
	// OutcomeSuccess means the publish attempt succeeded.
	OutcomeSuccess Outcome = "success"
	// OutcomeError covers both a transient publish failure that was
	// requeued and a permanent one that exhausted its retry budget; the
	// Error field on the record distinguishes the underlying cause.
	OutcomeError Outcome = "error"
	// OutcomeTimeout means the publish attempt's underlying cause was a
	// deadline expiring rather than a rejection from the broker.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeSkipped means the entry was dropped without a publish attempt
	// because it sat past its fire time longer than its max delay budget.
	OutcomeSkipped Outcome = "skipped"
)

// ExecutionRecord captures the lifecycle of one scheduled event dispatch
// attempt, including how long it waited in each tier so operators can
// tell a slow cold-to-hot transfer apart from a slow publish.
type ExecutionRecord struct {
	EventID string
	Name    string
	// CorrelationID carries the caller-supplied identifier from the
	// originating ScheduledEvent, letting downstream analysis join
	// execution history back to the caller's own request trace.
	CorrelationID string
	// NodeID identifies the scheduler node that dispatched this attempt.
	NodeID    string
	Outcome   Outcome
	Attempts  int
	Error     string
	FireAt    time.Time
	CreatedAt time.Time
	// ColdQueueSeconds is the time an event spent in the cold tier before
	// being promoted to hot storage.
	ColdQueueSeconds float64
	// HotQueueSeconds is the time an event spent in the hot tier before
	// being claimed for dispatch.
	HotQueueSeconds float64
	RecordedAt      time.Time
}

// NewExecutionRecord derives queue-time metrics from an event's own
// timestamps and the moment it was handed off to the hot store.
// transferredAt should be the zero value for an event that went straight
// to the hot tier at ingest, in which case ColdQueueSeconds reports zero
// and HotQueueSeconds covers the whole CreatedAt-to-RecordedAt span.
func NewExecutionRecord(eventID, name, correlationID, nodeID string, outcome Outcome, attempts int, errMsg string, fireAt, createdAt, transferredAt, recordedAt time.Time) *ExecutionRecord {
	rec := &ExecutionRecord{
		EventID:       eventID,
		Name:          name,
		CorrelationID: correlationID,
		NodeID:        nodeID,
		Outcome:       outcome,
		Attempts:      attempts,
		Error:         errMsg,
		FireAt:        fireAt,
		CreatedAt:     createdAt,
		RecordedAt:    recordedAt,
	}
	if !transferredAt.IsZero() {
		rec.ColdQueueSeconds = transferredAt.Sub(createdAt).Seconds()
		rec.HotQueueSeconds = recordedAt.Sub(transferredAt).Seconds()
	} else {
		rec.HotQueueSeconds = recordedAt.Sub(createdAt).Seconds()
	}
	return rec
}
