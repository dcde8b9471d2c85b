// Package event implements a two-tier delayed event scheduler: a durable
// cold store for long-horizon entries, a fast Redis-backed hot store for
// entries approaching their fire time, and the loops that move entries
// between tiers and dispatch them to a downstream publisher.
package event

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a ScheduledEvent.
type Status string

const (
	// StatusPending is the initial state: stored in the cold tier, not yet
	// due to be transferred to the hot tier.
	StatusPending Status = "pending"

	// StatusTransferring marks a cold-tier entry the TransferLoop has
	// claimed for promotion; it exists only to fence a second pass from
	// promoting the same entry twice.
	StatusTransferring Status = "transferring"

	// StatusTransferred is the cold-tier copy's terminal state once
	// promotion succeeds. The row is kept, not deleted, so the transfer
	// itself remains auditable after the fact.
	StatusTransferred Status = "transferred"

	// StatusQueued means the entry has been transferred into the hot store
	// and is waiting to be claimed for dispatch.
	StatusQueued Status = "queued"

	// StatusProcessing means a HotLoop worker has claimed the entry and is
	// dispatching it to the publisher.
	StatusProcessing Status = "processing"

	// StatusCompleted means the entry was published successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means all retry attempts were exhausted.
	StatusFailed Status = "failed"

	// StatusCancelled means the entry was cancelled before it fired.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state; entries in a
// terminal state are never claimed or transferred again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTransferred:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the legal Status graph. Any transition not
// listed here is a bug in the caller, not a runtime condition to tolerate.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:      {StatusQueued: true, StatusTransferring: true, StatusCancelled: true},
	StatusTransferring: {StatusTransferred: true, StatusPending: true},
	StatusQueued:       {StatusProcessing: true, StatusCancelled: true, StatusPending: true},
	StatusProcessing:   {StatusCompleted: true, StatusFailed: true, StatusQueued: true},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// PriorityWeight scales Priority into the dispatch score: each priority
// point moves an entry one second (1,000,000 microseconds) earlier in score
// order. Among entries due in the same second the higher priority sorts
// first, and priority p also sorts ahead of lower-priority entries due up
// to p seconds earlier, so ordering is not limited to same-second ties.
const PriorityWeight = 1_000_000

// DefaultMaxDelaySeconds is how long past its fire time an entry may sit
// unclaimed before HotLoop drops it as stale, when ScheduledEvent.MaxDelaySeconds
// is left unset.
const DefaultMaxDelaySeconds = 86400

// MaxPriority bounds how far past "now" a hot-store range query needs to
// look to guarantee no due entry is missed on account of its Priority
// offset; see Score. Priority values are expected to stay within
// [0, MaxPriority].
const MaxPriority = 1000

// ScheduledEvent is a single delayed event tracked by the scheduler across
// both tiers. The zero value is not usable; construct with NewScheduledEvent.
type ScheduledEvent struct {
	// ID uniquely identifies this event across its whole lifetime.
	ID string

	// Name is the routing key handed to the Publisher (topic, subject, ...).
	Name string

	// Payload is the opaque event body, already serialized by the caller.
	Payload []byte

	// Metadata carries caller-supplied key/value pairs propagated to the
	// publisher and recorded on the resulting ExecutionRecord.
	Metadata map[string]string

	// FireAt is the wall-clock time the event should be dispatched. It is
	// set once at creation and never mutated by a requeue; see NextAttemptAt.
	FireAt time.Time

	// CreatedAt is when the event was accepted by the scheduler.
	CreatedAt time.Time

	// Priority moves an entry earlier in dispatch order by one second per
	// point: among entries due in the same second higher fires first, and
	// it can also overtake lower-priority entries due earlier. See Score.
	Priority int

	// MaxDelaySeconds bounds how long past FireAt an entry may still be
	// claimed and dispatched. Zero means DefaultMaxDelaySeconds. Entries
	// claimed past this bound are dropped as stale instead of published.
	MaxDelaySeconds int

	// NextAttemptAt holds the retry time set by a Requeue; it is the field
	// hot-store scoring and due-checks use once an entry has failed at
	// least once. FireAt itself is left untouched so scheduling latency is
	// always measured from the original request.
	NextAttemptAt time.Time

	// Status is the current lifecycle state.
	Status Status

	// Attempts counts dispatch attempts made so far (0 before the first).
	Attempts int

	// CorrelationID is an optional caller-supplied identifier propagated
	// unchanged to the Publisher and stamped onto the resulting
	// ExecutionRecord, so a caller can join scheduler-side execution
	// history back to its own request trace.
	CorrelationID string

	// NodeID identifies the scheduler node that currently owns this entry
	// while it is StatusProcessing or StatusTransferring: the node that
	// holds the claim or transfer lease. Cleared on release/finalize; used
	// only for diagnostics, since ownership itself is fenced by ClaimToken
	// and the cold-tier transfer guard, not by NodeID.
	NodeID string

	// UpdatedAt is stamped on every status transition. cleanup_expired
	// keys off it rather than CreatedAt so an entry that spent a long time
	// in the cold tier isn't purged the moment it reaches a terminal state.
	UpdatedAt time.Time

	// TransferredAt is stamped by the TransferLoop immediately before the
	// hot-store insert that promotes this entry out of the cold tier. It
	// is the zero value for entries that went straight to the hot tier at
	// ingest, which analytics treats as "no cold-tier dwell time to report".
	TransferredAt time.Time

	// ClaimedAt is set while Status == StatusProcessing, used by the
	// HotLoop reaper to detect and revert abandoned claims.
	ClaimedAt time.Time

	// ClaimToken fences the current claim; a release/renew must present
	// the same token that was issued at claim time.
	ClaimToken string

	// LastError holds the most recent dispatch failure, if any.
	LastError string
}

// NewScheduledEvent builds a ScheduledEvent with a generated ID, CreatedAt
// and UpdatedAt set to now, and Status set to StatusPending. Name carries
// the downstream routing key; callers that need to distinguish topic from
// entity_type/action fold them into Name (e.g. "orders.reminder.due") or
// into Metadata, since the scheduler itself only ever uses Name for
// routing and never parses it.
func NewScheduledEvent(name string, payload []byte, fireAt time.Time, metadata map[string]string) *ScheduledEvent {
	now := time.Now()
	return &ScheduledEvent{
		ID:        uuid.NewString(),
		Name:      name,
		Payload:   payload,
		Metadata:  metadata,
		FireAt:    fireAt,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
	}
}

// WithPriority sets Priority and returns e for chaining onto NewScheduledEvent.
func (e *ScheduledEvent) WithPriority(p int) *ScheduledEvent {
	e.Priority = p
	return e
}

// WithCorrelationID sets CorrelationID and returns e for chaining onto
// NewScheduledEvent.
func (e *ScheduledEvent) WithCorrelationID(id string) *ScheduledEvent {
	e.CorrelationID = id
	return e
}

// WithMaxDelay sets MaxDelaySeconds from d and returns e for chaining onto
// NewScheduledEvent.
func (e *ScheduledEvent) WithMaxDelay(d time.Duration) *ScheduledEvent {
	e.MaxDelaySeconds = int(d.Seconds())
	return e
}

// DueAt returns the time this entry should next be evaluated for firing:
// NextAttemptAt once it has been requeued at least once, otherwise FireAt.
func (e *ScheduledEvent) DueAt() time.Time {
	if !e.NextAttemptAt.IsZero() {
		return e.NextAttemptAt
	}
	return e.FireAt
}

// Due reports whether the event's next due time has arrived, relative to now.
func (e *ScheduledEvent) Due(now time.Time) bool {
	return !e.DueAt().After(now)
}

// HorizonWithin reports whether the event's fire time falls within d of now,
// used by the Router to decide hot-vs-cold placement and by the TransferLoop
// to select entries ready to move into the hot tier.
func (e *ScheduledEvent) HorizonWithin(now time.Time, d time.Duration) bool {
	return e.FireAt.Sub(now) <= d
}

// effectiveMaxDelay resolves MaxDelaySeconds against DefaultMaxDelaySeconds.
func (e *ScheduledEvent) effectiveMaxDelay() time.Duration {
	if e.MaxDelaySeconds <= 0 {
		return DefaultMaxDelaySeconds * time.Second
	}
	return time.Duration(e.MaxDelaySeconds) * time.Second
}

// Stale reports whether the event has sat past its fire time longer than
// its max delay budget, relative to now. HotLoop checks this at claim time
// and drops stale entries instead of publishing them.
func (e *ScheduledEvent) Stale(now time.Time) bool {
	return now.Sub(e.FireAt) > e.effectiveMaxDelay()
}

// Score returns the value hot-store implementations rank due entries by:
// ascending order fires earlier FireAt/NextAttemptAt values first, and
// breaks same-second ties in favor of higher Priority.
func Score(dueAt time.Time, priority int) float64 {
	return float64(dueAt.UnixMicro()) - float64(priority)*PriorityWeight
}

// Equivalent reports whether other represents the same scheduling request
// as e: same name, payload, fire time, priority, and metadata. Status,
// attempts, and claim bookkeeping are excluded since those change
// independently of the request itself; stores use this to decide whether a
// resubmitted ID is a harmless duplicate or a genuine conflict.
func (e *ScheduledEvent) Equivalent(other *ScheduledEvent) bool {
	if other == nil {
		return false
	}
	if e.Name != other.Name || e.Priority != other.Priority || !e.FireAt.Equal(other.FireAt) {
		return false
	}
	if !bytes.Equal(e.Payload, other.Payload) {
		return false
	}
	if len(e.Metadata) != len(other.Metadata) {
		return false
	}
	for k, v := range e.Metadata {
		if ov, ok := other.Metadata[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
