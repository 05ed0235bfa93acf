package bdd

import (
	"context"
	"fmt"

	"github.com/chirino/messaging-service/internal/plugin/attach/mongostore"
	"github.com/chirino/messaging-service/internal/testutil/cucumber"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoTestDB implements cucumber.TestDB for MongoDB with GridFS media.
type MongoTestDB struct {
	DBURL    string
	Database string
}

var _ cucumber.TestDB = (*MongoTestDB)(nil)

func (m *MongoTestDB) db() (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(m.DBURL))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	return client, client.Database(m.Database), nil
}

func (m *MongoTestDB) ClearAll(ctx context.Context) error {
	client, db, err := m.db()
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	collections := []string{
		"messages",
		"conversations",
		"block_relations",
		"profiles",
		mongostore.BucketName + ".files",
		mongostore.BucketName + ".chunks",
	}
	for _, coll := range collections {
		if _, err := db.Collection(coll).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("cleanup: failed to clear %s: %w", coll, err)
		}
	}
	return nil
}

func (m *MongoTestDB) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	client, db, err := m.db()
	if err != nil {
		return 0, err
	}
	defer client.Disconnect(ctx)
	return db.Collection("messages").CountDocuments(ctx, bson.M{"conversation_id": conversationID})
}

func (m *MongoTestDB) CountMedia(ctx context.Context) (int64, error) {
	client, db, err := m.db()
	if err != nil {
		return 0, err
	}
	defer client.Disconnect(ctx)
	return db.Collection(mongostore.BucketName+".files").CountDocuments(ctx, bson.M{})
}
