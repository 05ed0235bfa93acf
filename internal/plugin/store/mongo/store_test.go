package mongo_test

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/plugin/store/mongo"
	"github.com/chirino/messaging-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/testutil/testmongo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMongoStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	uri := testmongo.StartMongo(t)
	_ = mongo.ForceImport

	storetest.Run(t, func(t *testing.T) (registrystore.MessagingStore, context.Context) {
		cfg := config.DefaultConfig()
		cfg.DatastoreType = "mongo"
		cfg.DBURL = uri
		cfg.MongoDatabase = "test_" + uuid.NewString()[:8]
		ctx := config.WithContext(context.Background(), &cfg)

		require.NoError(t, registrymigrate.RunAll(ctx))

		loader, err := registrystore.Select("mongo")
		require.NoError(t, err)
		store, err := loader(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store, ctx
	})
}
