package coldstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	event "github.com/riverchime/scheduler"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB layout:

One collection per fire date, named scheduled_events_YYYYMMDD. Cleanup
removes expired terminal entries from each partition with DeleteMany and
drops a partition's collection once it is left empty.

Document structure:

	{
	    "_id": string,
	    "name": string,
	    "payload": Binary,
	    "metadata": object,
	    "fire_at": ISODate,
	    "created_at": ISODate,
	    "updated_at": ISODate,
	    "correlation_id": string,
	    "node_id": string,
	    "priority": int,
	    "max_delay_seconds": int,
	    "status": string,
	}

Indexes per partition:

	db.scheduled_events_20260806.createIndex({ "fire_at": 1 })
	db.scheduled_events_20260806.createIndex({ "status": 1, "fire_at": 1 })
*/

type mongoDoc struct {
	ID              string            `bson:"_id"`
	Name            string            `bson:"name"`
	Payload         []byte            `bson:"payload"`
	Metadata        map[string]string `bson:"metadata,omitempty"`
	FireAt          time.Time         `bson:"fire_at"`
	CreatedAt       time.Time         `bson:"created_at"`
	UpdatedAt       time.Time         `bson:"updated_at"`
	CorrelationID   string            `bson:"correlation_id,omitempty"`
	NodeID          string            `bson:"node_id,omitempty"`
	Priority        int               `bson:"priority,omitempty"`
	MaxDelaySeconds int               `bson:"max_delay_seconds,omitempty"`
	Status          event.Status      `bson:"status"`
}

func fromScheduledEvent(ev *event.ScheduledEvent) *mongoDoc {
	return &mongoDoc{
		ID: ev.ID, Name: ev.Name, Payload: ev.Payload, Metadata: ev.Metadata,
		FireAt: ev.FireAt, CreatedAt: ev.CreatedAt, UpdatedAt: ev.UpdatedAt,
		CorrelationID: ev.CorrelationID, NodeID: ev.NodeID, Status: ev.Status,
		Priority: ev.Priority, MaxDelaySeconds: ev.MaxDelaySeconds,
	}
}

func (d *mongoDoc) toScheduledEvent() *event.ScheduledEvent {
	return &event.ScheduledEvent{
		ID: d.ID, Name: d.Name, Payload: d.Payload, Metadata: d.Metadata,
		FireAt: d.FireAt, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
		CorrelationID: d.CorrelationID, NodeID: d.NodeID, Status: d.Status,
		Priority: d.Priority, MaxDelaySeconds: d.MaxDelaySeconds,
	}
}

// MongoColdStore partitions documents into one collection per fire date.
type MongoColdStore struct {
	db     *mongo.Database
	logger *slog.Logger
}

// NewMongoColdStore creates a cold store backed by db.
func NewMongoColdStore(db *mongo.Database) *MongoColdStore {
	return &MongoColdStore{
		db:     db,
		logger: slog.Default().With("component", "coldstore.mongodb"),
	}
}

func partitionName(t time.Time) string {
	return fmt.Sprintf("scheduled_events_%s", t.UTC().Format("20060102"))
}

func (s *MongoColdStore) collectionFor(t time.Time) *mongo.Collection {
	return s.db.Collection(partitionName(t))
}

// Indexes returns the index models every fire-date partition needs.
func (s *MongoColdStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "fire_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "fire_at", Value: 1}}},
	}
}

// EnsureIndexes creates the required indexes on the partition holding t.
func (s *MongoColdStore) EnsureIndexes(ctx context.Context, t time.Time) error {
	_, err := s.collectionFor(t).Indexes().CreateMany(ctx, s.Indexes())
	return err
}

func (s *MongoColdStore) Insert(ctx context.Context, ev *event.ScheduledEvent) error {
	doc := fromScheduledEvent(ev)
	doc.Status = event.StatusPending
	doc.UpdatedAt = time.Now()

	_, err := s.collectionFor(ev.FireAt).InsertOne(ctx, doc)
	if err == nil {
		return nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return &event.TransientStoreError{Op: "insert", Err: err}
	}

	existing, getErr := s.Get(ctx, ev.ID)
	if getErr != nil {
		return &event.TransientStoreError{Op: "insert_conflict_check", Err: getErr}
	}
	if existing.Equivalent(ev) {
		return nil
	}
	return &event.ConflictError{ID: ev.ID}
}

// partitionsBetween lists the fire-date partitions overlapping
// [from, to], inclusive, so a scan never spans more collections than
// necessary.
func partitionsBetween(from, to time.Time) []time.Time {
	from = from.UTC().Truncate(24 * time.Hour)
	to = to.UTC().Truncate(24 * time.Hour)
	var days []time.Time
	for d := from; !d.After(to); d = d.Add(24 * time.Hour) {
		days = append(days, d)
	}
	if len(days) == 0 {
		days = []time.Time{from}
	}
	return days
}

func (s *MongoColdStore) DueForTransfer(ctx context.Context, before time.Time, limit int) ([]*event.ScheduledEvent, error) {
	// Transfer horizons are short compared to a day, but an event created
	// near midnight can still live in yesterday's partition relative to
	// "now" in a different zone; scan today's and yesterday's partitions.
	days := partitionsBetween(before.Add(-24*time.Hour), before)

	var out []*event.ScheduledEvent
	for _, d := range days {
		if limit > 0 && len(out) >= limit {
			break
		}
		filter := bson.M{"status": event.StatusPending, "fire_at": bson.M{"$lte": before}}
		findOpts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}})
		if limit > 0 {
			findOpts.SetLimit(int64(limit - len(out)))
		}

		cursor, err := s.collectionFor(d).Find(ctx, filter, findOpts)
		if err != nil {
			return nil, &event.TransientStoreError{Op: "due_for_transfer", Err: err}
		}
		for cursor.Next(ctx) {
			var doc mongoDoc
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return nil, fmt.Errorf("coldstore: decode: %w", err)
			}
			out = append(out, doc.toScheduledEvent())
		}
		cursor.Close(ctx)
	}
	return out, nil
}

// listPartitions enumerates the day-partition collections, since the
// caller usually only has an ID, not the fire date, and has to scan.
func (s *MongoColdStore) listPartitions(ctx context.Context) ([]string, error) {
	return s.db.ListCollectionNames(ctx, bson.M{"name": bson.M{"$regex": "^scheduled_events_"}})
}

// transition atomically moves the document with the given id from status
// from to status to, scanning partitions since the fire-date collection
// isn't known from the id alone. It uses FindOneAndUpdate so a racing
// caller attempting the same transition never both succeed. Returns
// event.ErrNotFound if no matching document exists in any partition, or
// *event.ConflictError if the document exists but isn't in status from.
func (s *MongoColdStore) transition(ctx context.Context, id string, from, to event.Status, nodeID string) error {
	names, err := s.listPartitions(ctx)
	if err != nil {
		return &event.TransientStoreError{Op: "transition_list", Err: err}
	}
	set := bson.M{"status": to, "updated_at": time.Now(), "node_id": nodeID}
	for _, name := range names {
		res := s.db.Collection(name).FindOneAndUpdate(ctx,
			bson.M{"_id": id, "status": from},
			bson.M{"$set": set},
		)
		if err := res.Err(); err == nil {
			return nil
		} else if err != mongo.ErrNoDocuments {
			return &event.TransientStoreError{Op: "transition", Err: err}
		}
		if _, getErr := s.getInCollection(ctx, name, id); getErr == nil {
			return &event.ConflictError{ID: id}
		}
	}
	return event.ErrNotFound
}

// MarkTransferring transitions ev from StatusPending to StatusTransferring,
// stamping node_id with the transferring node's identity.
func (s *MongoColdStore) MarkTransferring(ctx context.Context, id, nodeID string) error {
	return s.transition(ctx, id, event.StatusPending, event.StatusTransferring, nodeID)
}

// FinalizeTransferred transitions ev from StatusTransferring to the
// terminal StatusTransferred, retaining the document for audit.
func (s *MongoColdStore) FinalizeTransferred(ctx context.Context, id string) error {
	return s.transition(ctx, id, event.StatusTransferring, event.StatusTransferred, "")
}

// RevertTransfer undoes MarkTransferring, returning ev to StatusPending.
func (s *MongoColdStore) RevertTransfer(ctx context.Context, id string) error {
	return s.transition(ctx, id, event.StatusTransferring, event.StatusPending, "")
}

// Cancel deletes ev only while it is still StatusPending, scanning
// partitions since the fire date isn't known from the id alone.
func (s *MongoColdStore) Cancel(ctx context.Context, id string) error {
	names, err := s.listPartitions(ctx)
	if err != nil {
		return &event.TransientStoreError{Op: "cancel_list", Err: err}
	}
	for _, name := range names {
		res, err := s.db.Collection(name).DeleteOne(ctx, bson.M{"_id": id, "status": event.StatusPending})
		if err != nil {
			return &event.TransientStoreError{Op: "cancel_delete", Err: err}
		}
		if res.DeletedCount > 0 {
			return nil
		}
	}
	return event.ErrNotFound
}

func (s *MongoColdStore) getInCollection(ctx context.Context, name, id string) (*event.ScheduledEvent, error) {
	var doc mongoDoc
	err := s.db.Collection(name).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, event.ErrNotFound
	}
	if err != nil {
		return nil, &event.TransientStoreError{Op: "get", Err: err}
	}
	return doc.toScheduledEvent(), nil
}

func (s *MongoColdStore) Get(ctx context.Context, id string) (*event.ScheduledEvent, error) {
	names, err := s.listPartitions(ctx)
	if err != nil {
		return nil, &event.TransientStoreError{Op: "get_list", Err: err}
	}
	for _, name := range names {
		ev, err := s.getInCollection(ctx, name, id)
		if errors.Is(err, event.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	return nil, event.ErrNotFound
}

func (s *MongoColdStore) List(ctx context.Context, filter Filter) ([]*event.ScheduledEvent, error) {
	from, to := filter.After, filter.Before
	if from.IsZero() {
		from = time.Now().Add(-7 * 24 * time.Hour)
	}
	if to.IsZero() {
		to = time.Now().Add(90 * 24 * time.Hour)
	}

	mongoFilter := bson.M{}
	if filter.Name != "" {
		mongoFilter["name"] = filter.Name
	}
	rng := bson.M{}
	if !filter.After.IsZero() {
		rng["$gte"] = filter.After
	}
	if !filter.Before.IsZero() {
		rng["$lte"] = filter.Before
	}
	if len(rng) > 0 {
		mongoFilter["fire_at"] = rng
	}

	var out []*event.ScheduledEvent
	for _, d := range partitionsBetween(from, to) {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		findOpts := options.Find().SetSort(bson.D{{Key: "fire_at", Value: 1}})
		if filter.Limit > 0 {
			findOpts.SetLimit(int64(filter.Limit - len(out)))
		}
		cursor, err := s.collectionFor(d).Find(ctx, mongoFilter, findOpts)
		if err != nil {
			return nil, &event.TransientStoreError{Op: "list", Err: err}
		}
		for cursor.Next(ctx) {
			var doc mongoDoc
			if err := cursor.Decode(&doc); err != nil {
				cursor.Close(ctx)
				return nil, fmt.Errorf("coldstore: decode: %w", err)
			}
			out = append(out, doc.toScheduledEvent())
		}
		cursor.Close(ctx)
	}
	return out, nil
}

// terminalStatuses lists the statuses DeleteOlderThan is allowed to purge.
// Entries still awaiting transfer or dispatch are never touched regardless
// of age.
var terminalStatuses = []event.Status{
	event.StatusTransferred, event.StatusCompleted, event.StatusFailed, event.StatusCancelled,
}

// DeleteOlderThan purges documents in a terminal status whose updated_at
// is before cutoff. A day partition can hold a mix of terminal and
// in-flight entries, so this filters per-document with DeleteMany rather
// than dropping whole partitions; a partition left empty afterward is
// dropped as a bit of housekeeping, not as the deletion mechanism itself.
func (s *MongoColdStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": bson.M{"$regex": "^scheduled_events_"}})
	if err != nil {
		return 0, &event.TransientStoreError{Op: "delete_older_list", Err: err}
	}

	filter := bson.M{
		"status":     bson.M{"$in": terminalStatuses},
		"updated_at": bson.M{"$lt": cutoff},
	}

	var total int64
	for _, name := range names {
		res, err := s.db.Collection(name).DeleteMany(ctx, filter)
		if err != nil {
			s.logger.Error("failed to delete expired entries", "collection", name, "error", err)
			continue
		}
		total += res.DeletedCount
		if remaining, err := s.db.Collection(name).CountDocuments(ctx, bson.M{}); err == nil && remaining == 0 {
			if err := s.db.Collection(name).Drop(ctx); err != nil {
				s.logger.Error("failed to drop emptied partition", "collection", name, "error", err)
			}
		}
	}
	return total, nil
}

func (s *MongoColdStore) Count(ctx context.Context) (int64, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.M{"name": bson.M{"$regex": "^scheduled_events_"}})
	if err != nil {
		return 0, &event.TransientStoreError{Op: "count_list", Err: err}
	}
	var total int64
	for _, name := range names {
		n, err := s.db.Collection(name).CountDocuments(ctx, bson.M{})
		if err != nil {
			return 0, &event.TransientStoreError{Op: "count", Err: err}
		}
		total += n
	}
	return total, nil
}

func (s *MongoColdStore) Close(context.Context) error { return nil }

var _ Store = (*MongoColdStore)(nil)
