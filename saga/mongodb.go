package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: sagas

Document structure:
{
    "_id": string (saga ID),
    "name": string,
    "status": string,
    "metadata": document,
    "steps": [{ name, status, resource_snapshot, started_at, ended_at, error }],
    "compensations": [{ step_name, resource_snapshot, kind }],
    "trace_id": string,
    "created_at": ISODate,
    "updated_at": ISODate,
    "version": int64
}

Indexes:
db.sagas.createIndex({ "trace_id": 1 })
db.sagas.createIndex({ "status": 1, "updated_at": 1 })
*/

// MongoRecord is the document representation of a Record.
type MongoRecord struct {
	ID            string         `bson:"_id"`
	Name          string         `bson:"name"`
	Status        Status         `bson:"status"`
	Metadata      map[string]any `bson:"metadata,omitempty"`
	Steps         []Step         `bson:"steps"`
	Compensations []Compensation `bson:"compensations"`
	TraceID       string         `bson:"trace_id,omitempty"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
	Version       int64          `bson:"version"`
}

// ToRecord converts the document to a Record.
func (m *MongoRecord) ToRecord() *Record {
	return &Record{
		SagaID:        m.ID,
		Name:          m.Name,
		Status:        m.Status,
		Metadata:      m.Metadata,
		Steps:         m.Steps,
		Compensations: m.Compensations,
		TraceID:       m.TraceID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		Version:       m.Version,
	}
}

// FromRecord converts a Record to its document form.
func FromRecord(r *Record) *MongoRecord {
	c := r.Clone()
	return &MongoRecord{
		ID:            c.SagaID,
		Name:          c.Name,
		Status:        c.Status,
		Metadata:      c.Metadata,
		Steps:         c.Steps,
		Compensations: c.Compensations,
		TraceID:       c.TraceID,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		Version:       c.Version,
	}
}

// MongoStore is a MongoDB-based saga store.
//
// Replace is a single ReplaceOne filtered on {_id, version}, so a stale
// writer matches nothing and gets a version conflict.
type MongoStore struct {
	collection *mongo.Collection
	now        func() time.Time
}

// NewMongoStore creates a new MongoDB saga store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("sagas"),
		now:        timestamp,
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the trace id and stalled-saga indexes
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "trace_id", Value: 1}},
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			},
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

// Create inserts a new saga document
func (s *MongoStore) Create(ctx context.Context, rec *Record) error {
	doc := FromRecord(rec)
	doc.Version = 1
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = s.now()
	}

	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.SagaID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	rec.Version = doc.Version
	rec.UpdatedAt = doc.UpdatedAt
	return nil
}

// Get retrieves a saga by id
func (s *MongoStore) Get(ctx context.Context, id string) (*Record, error) {
	var doc MongoRecord
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.ToRecord(), nil
}

// Replace overwrites the document if its version matches
func (s *MongoStore) Replace(ctx context.Context, rec *Record) error {
	doc := FromRecord(rec)
	doc.Version = rec.Version + 1
	doc.UpdatedAt = s.now()

	result, err := s.collection.ReplaceOne(ctx, bson.M{"_id": rec.SagaID, "version": rec.Version}, doc)
	if err != nil {
		return fmt.Errorf("replace: %w", err)
	}

	if result.MatchedCount == 0 {
		count, err := s.collection.CountDocuments(ctx, bson.M{"_id": rec.SagaID})
		if err != nil {
			return fmt.Errorf("count: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, rec.SagaID)
		}
		return &VersionConflictError{SagaID: rec.SagaID, Expected: rec.Version}
	}

	rec.Version = doc.Version
	rec.UpdatedAt = doc.UpdatedAt
	return nil
}

// FindByTraceID returns sagas with the trace id, oldest first
func (s *MongoStore) FindByTraceID(ctx context.Context, traceID string) ([]*Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	return s.find(ctx, bson.M{"trace_id": traceID}, opts)
}

// List lists sagas matching the filter
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	mongoFilter := bson.M{}

	if filter.Name != "" {
		mongoFilter["name"] = filter.Name
	}

	if len(filter.Status) > 0 {
		mongoFilter["status"] = bson.M{"$in": filter.Status}
	}

	if !filter.UpdatedBefore.IsZero() {
		mongoFilter["updated_at"] = bson.M{"$lt": filter.UpdatedBefore}
	}

	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	return s.find(ctx, mongoFilter, opts)
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Record, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var results []*Record
	for cursor.Next(ctx) {
		var doc MongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		results = append(results, doc.ToRecord())
	}

	return results, cursor.Err()
}

// Count returns the number of sagas in a status
func (s *MongoStore) Count(ctx context.Context, status Status) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"status": status})
}

var _ Store = (*MongoStore)(nil)
