package analytics

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoRecord is the document form of an ExecutionRecord.
type mongoRecord struct {
	EventID          string    `bson:"event_id"`
	Name             string    `bson:"name"`
	CorrelationID    string    `bson:"correlation_id,omitempty"`
	NodeID           string    `bson:"node_id,omitempty"`
	Outcome          string    `bson:"outcome"`
	Attempts         int       `bson:"attempts"`
	Error            string    `bson:"error,omitempty"`
	FireAt           time.Time `bson:"fire_at"`
	CreatedAt        time.Time `bson:"created_at"`
	ColdQueueSeconds float64   `bson:"cold_queue_seconds"`
	HotQueueSeconds  float64   `bson:"hot_queue_seconds"`
	RecordedAt       time.Time `bson:"recorded_at"`
}

func fromRecord(r *ExecutionRecord) *mongoRecord {
	return &mongoRecord{
		EventID: r.EventID, Name: r.Name, CorrelationID: r.CorrelationID, NodeID: r.NodeID,
		Outcome: string(r.Outcome), Attempts: r.Attempts,
		Error: r.Error, FireAt: r.FireAt, CreatedAt: r.CreatedAt,
		ColdQueueSeconds: r.ColdQueueSeconds, HotQueueSeconds: r.HotQueueSeconds,
		RecordedAt: r.RecordedAt,
	}
}

func (m *mongoRecord) toRecord() *ExecutionRecord {
	return &ExecutionRecord{
		EventID: m.EventID, Name: m.Name, CorrelationID: m.CorrelationID, NodeID: m.NodeID,
		Outcome: Outcome(m.Outcome), Attempts: m.Attempts,
		Error: m.Error, FireAt: m.FireAt, CreatedAt: m.CreatedAt,
		ColdQueueSeconds: m.ColdQueueSeconds, HotQueueSeconds: m.HotQueueSeconds,
		RecordedAt: m.RecordedAt,
	}
}

// MongoStore records ExecutionRecords into a single capped-by-TTL
// collection; unlike coldstore's per-day partitions, analytics retention
// is uniform, so a TTL index does the aging-out instead of dropping
// whole collections.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates an analytics store backed by db, using the
// default collection name "execution_records".
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection("execution_records")}
}

// WithCollection overrides the collection name.
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Indexes returns the required indexes, including a TTL index on
// recorded_at that expires documents after retention elapses.
func (s *MongoStore) Indexes(retention time.Duration) []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_id", Value: 1}}},
		{Keys: bson.D{{Key: "outcome", Value: 1}}},
		{
			Keys:    bson.D{{Key: "recorded_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(retention.Seconds())),
		},
	}
}

// EnsureIndexes creates the required indexes with the given retention.
func (s *MongoStore) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes(retention))
	return err
}

func (s *MongoStore) InsertMany(ctx context.Context, records []*ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i, r := range records {
		docs[i] = fromRecord(r)
	}
	_, err := s.collection.InsertMany(ctx, docs)
	return err
}

func (s *MongoStore) Recent(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{}, findOpts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*ExecutionRecord
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	return out, cursor.Err()
}

func (s *MongoStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"recorded_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Close(context.Context) error { return nil }

var _ Store = (*MongoStore)(nil)
