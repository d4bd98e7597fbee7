package sequence

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: counters

Document structure:
{
    "_id": string (sequence name),
    "seq": int64
}
*/

// MongoCounter is the document stored per sequence.
type MongoCounter struct {
	Name string `bson:"_id"`
	Seq  int64  `bson:"seq"`
}

// MongoGenerator increments counters with FindOneAndUpdate and $inc,
// creating the counter document on first use.
type MongoGenerator struct {
	collection *mongo.Collection
	width      int
}

// NewMongoGenerator creates a generator over the "counters" collection.
func NewMongoGenerator(db *mongo.Database) *MongoGenerator {
	return &MongoGenerator{
		collection: db.Collection("counters"),
		width:      DefaultWidth,
	}
}

// WithCollection sets a custom collection name.
func (g *MongoGenerator) WithCollection(name string) *MongoGenerator {
	g.collection = g.collection.Database().Collection(name)
	return g
}

// WithWidth sets the padded width.
func (g *MongoGenerator) WithWidth(width int) *MongoGenerator {
	g.width = width
	return g
}

// Generate atomically increments the named counter.
func (g *MongoGenerator) Generate(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", ErrEmptyName
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter MongoCounter
	err := g.collection.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return "", fmt.Errorf("increment %s: %w", name, err)
	}
	return Format(counter.Seq, g.width), nil
}

var _ Generator = (*MongoGenerator)(nil)
