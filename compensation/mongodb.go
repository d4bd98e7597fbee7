package compensation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/premisehq/saga/transport"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoDeleter is a Compensator that deletes one document per command.
type MongoDeleter struct {
	collection *mongo.Collection
	field      string
	objectID   bool
	logger     *slog.Logger
}

// MongoDeleterOption configures a MongoDeleter.
type MongoDeleterOption func(*MongoDeleter)

// WithIDField matches documents on field instead of "_id".
func WithIDField(field string) MongoDeleterOption {
	return func(m *MongoDeleter) {
		if field != "" {
			m.field = field
		}
	}
}

// WithObjectID parses resource ids as hex ObjectIDs.
func WithObjectID() MongoDeleterOption {
	return func(m *MongoDeleter) { m.objectID = true }
}

// NewMongoDeleter creates a deleter on collection.
func NewMongoDeleter(collection *mongo.Collection, opts ...MongoDeleterOption) *MongoDeleter {
	m := &MongoDeleter{
		collection: collection,
		field:      "_id",
		logger:     transport.Logger("compensation>mongo"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Delete removes the document named by cmd.ResourceID. A document that is
// already gone counts as deleted.
func (m *MongoDeleter) Delete(ctx context.Context, cmd Command) error {
	var id any = cmd.ResourceID
	if m.objectID {
		oid, err := primitive.ObjectIDFromHex(cmd.ResourceID)
		if err != nil {
			return fmt.Errorf("compensation: resource id %q: %w", cmd.ResourceID, err)
		}
		id = oid
	}

	res, err := m.collection.DeleteOne(ctx, bson.M{m.field: id})
	if err != nil {
		return fmt.Errorf("compensation: delete %s %s: %w", m.collection.Name(), cmd.ResourceID, err)
	}
	if res.DeletedCount == 0 {
		m.logger.Debug("resource already absent", "collection", m.collection.Name(), "resource_id", cmd.ResourceID)
	}
	return nil
}

var _ Compensator = (*MongoDeleter)(nil)
