package coldstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	event "github.com/riverchime/scheduler"
)

/*
SQL schema (works for the OLAP-flavored column stores the pack targets,
e.g. a ClickHouse or Postgres table behind a driver the caller supplies):

CREATE TABLE scheduled_events (
    id                VARCHAR(36) PRIMARY KEY,
    name              VARCHAR(255) NOT NULL,
    payload           BYTEA NOT NULL,
    metadata          TEXT,
    fire_at           TIMESTAMP NOT NULL,
    created_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL,
    correlation_id    VARCHAR(255),
    node_id           VARCHAR(255),
    priority          INT NOT NULL DEFAULT 0,
    max_delay_seconds INT NOT NULL DEFAULT 0,
    status            VARCHAR(16) NOT NULL
);

CREATE INDEX idx_scheduled_events_fire_at ON scheduled_events(status, fire_at);
*/

// SQLStore is a generic database/sql-backed cold store. It imports no
// driver package; callers bring their own (Postgres, ClickHouse, SQLite)
// via sql.Open and pass the resulting *sql.DB in.
type SQLStore struct {
	db    *sql.DB
	table string
}

// NewSQLStore creates a cold store backed by db, using the default table
// name "scheduled_events".
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, table: "scheduled_events"}
}

// WithTable overrides the table name.
func (s *SQLStore) WithTable(table string) *SQLStore {
	s.table = table
	return s
}

// Insert is idempotent on ev.ID. Because SQLStore is driver-agnostic (no
// dialect-specific ON CONFLICT clause), a duplicate id is detected by
// falling back to a Get-and-compare rather than inspecting the driver
// error, at the cost of a benign race between the failed INSERT and the
// follow-up SELECT under concurrent duplicate submissions.
func (s *SQLStore) Insert(ctx context.Context, ev *event.ScheduledEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("coldstore: marshal metadata: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, payload, metadata, fire_at, created_at, updated_at, correlation_id, node_id, priority, max_delay_seconds, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.table)
	now := time.Now()
	_, err = s.db.ExecContext(ctx, query, ev.ID, ev.Name, ev.Payload, metadata, ev.FireAt, ev.CreatedAt, now,
		ev.CorrelationID, ev.NodeID, ev.Priority, ev.MaxDelaySeconds, string(event.StatusPending))
	if err == nil {
		return nil
	}

	existing, getErr := s.Get(ctx, ev.ID)
	if getErr != nil {
		return &event.TransientStoreError{Op: "insert", Err: err}
	}
	if existing.Equivalent(ev) {
		return nil
	}
	return &event.ConflictError{ID: ev.ID}
}

func (s *SQLStore) scanRow(scanner interface{ Scan(...any) error }) (*event.ScheduledEvent, error) {
	var ev event.ScheduledEvent
	var metadata []byte
	var status string
	var correlationID, nodeID sql.NullString
	if err := scanner.Scan(&ev.ID, &ev.Name, &ev.Payload, &metadata, &ev.FireAt, &ev.CreatedAt, &ev.UpdatedAt,
		&correlationID, &nodeID, &ev.Priority, &ev.MaxDelaySeconds, &status); err != nil {
		return nil, err
	}
	ev.Status = event.Status(status)
	ev.CorrelationID = correlationID.String
	ev.NodeID = nodeID.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("coldstore: unmarshal metadata: %w", err)
		}
	}
	return &ev, nil
}

func (s *SQLStore) DueForTransfer(ctx context.Context, before time.Time, limit int) ([]*event.ScheduledEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, name, payload, metadata, fire_at, created_at, updated_at, correlation_id, node_id, priority, max_delay_seconds, status
		FROM %s
		WHERE status = $1 AND fire_at <= $2
		ORDER BY fire_at ASC
	`, s.table)
	args := []any{string(event.StatusPending), before}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &event.TransientStoreError{Op: "due_for_transfer", Err: err}
	}
	defer rows.Close()

	var out []*event.ScheduledEvent
	for rows.Next() {
		ev, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("coldstore: scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// transition moves the row with the given id from status from to status
// to with a single guarded UPDATE, so a racing caller attempting the same
// transition never both succeed. Returns event.ErrNotFound if no row with
// this id exists at all, or *event.ConflictError if it exists but isn't
// currently in status from.
func (s *SQLStore) transition(ctx context.Context, id string, from, to event.Status, nodeID string) error {
	query := fmt.Sprintf("UPDATE %s SET status = $1, updated_at = $2, node_id = $3 WHERE id = $4 AND status = $5", s.table)
	res, err := s.db.ExecContext(ctx, query, string(to), time.Now(), nodeID, id, string(from))
	if err != nil {
		return &event.TransientStoreError{Op: "transition", Err: err}
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return &event.ConflictError{ID: id}
}

// MarkTransferring transitions ev from StatusPending to StatusTransferring,
// stamping node_id with the transferring node's identity.
func (s *SQLStore) MarkTransferring(ctx context.Context, id, nodeID string) error {
	return s.transition(ctx, id, event.StatusPending, event.StatusTransferring, nodeID)
}

// FinalizeTransferred transitions ev from StatusTransferring to the
// terminal StatusTransferred, retaining the row for audit.
func (s *SQLStore) FinalizeTransferred(ctx context.Context, id string) error {
	return s.transition(ctx, id, event.StatusTransferring, event.StatusTransferred, "")
}

// RevertTransfer undoes MarkTransferring, returning ev to StatusPending.
func (s *SQLStore) RevertTransfer(ctx context.Context, id string) error {
	return s.transition(ctx, id, event.StatusTransferring, event.StatusPending, "")
}

func (s *SQLStore) Get(ctx context.Context, id string) (*event.ScheduledEvent, error) {
	query := fmt.Sprintf(`
		SELECT id, name, payload, metadata, fire_at, created_at, updated_at, correlation_id, node_id, priority, max_delay_seconds, status
		FROM %s
		WHERE id = $1
	`, s.table)
	ev, err := s.scanRow(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, &event.TransientStoreError{Op: "get", Err: err}
	}
	return ev, nil
}

func (s *SQLStore) Cancel(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND status = $2", s.table)
	res, err := s.db.ExecContext(ctx, query, id, string(event.StatusPending))
	if err != nil {
		return &event.TransientStoreError{Op: "cancel", Err: err}
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return event.ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*event.ScheduledEvent, error) {
	query := fmt.Sprintf(`SELECT id, name, payload, metadata, fire_at, created_at, updated_at, correlation_id, node_id, priority, max_delay_seconds, status FROM %s WHERE 1=1`, s.table)
	var args []any
	idx := 1
	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", idx)
		args = append(args, filter.Name)
		idx++
	}
	if !filter.After.IsZero() {
		query += fmt.Sprintf(" AND fire_at >= $%d", idx)
		args = append(args, filter.After)
		idx++
	}
	if !filter.Before.IsZero() {
		query += fmt.Sprintf(" AND fire_at <= $%d", idx)
		args = append(args, filter.Before)
		idx++
	}
	query += " ORDER BY fire_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &event.TransientStoreError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []*event.ScheduledEvent
	for rows.Next() {
		ev, err := s.scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("coldstore: scan: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteOlderThan purges rows in a terminal status whose updated_at is
// before cutoff. Rows still awaiting transfer are never touched
// regardless of age.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE status IN ($1, $2, $3, $4) AND updated_at < $5", s.table)
	res, err := s.db.ExecContext(ctx, query,
		string(event.StatusTransferred), string(event.StatusCompleted), string(event.StatusFailed), string(event.StatusCancelled),
		cutoff)
	if err != nil {
		return 0, &event.TransientStoreError{Op: "delete_older_than", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
	var n int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, &event.TransientStoreError{Op: "count", Err: err}
	}
	return n, nil
}

func (s *SQLStore) Close(context.Context) error { return nil }

var _ Store = (*SQLStore)(nil)
