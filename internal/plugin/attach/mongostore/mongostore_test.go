package mongostore

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/plugin/attach/blobtest"
	"github.com/chirino/messaging-service/internal/testutil/testmongo"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func TestMongoStore(t *testing.T) {
	uri := testmongo.StartMongo(t)
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	blobtest.Run(t, New(client.Database("media_test"), t.TempDir()))
}
