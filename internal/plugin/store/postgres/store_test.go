package postgres_test

import (
	"context"
	"testing"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/plugin/store/postgres"
	"github.com/chirino/messaging-service/internal/plugin/store/storetest"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	dbURL := testpg.StartPostgres(t)

	cfg := config.DefaultConfig()
	cfg.DBURL = dbURL
	ctx := config.WithContext(context.Background(), &cfg)

	// Ensure postgres store plugin is registered
	_ = postgres.ForceImport

	require.NoError(t, registrymigrate.RunAll(ctx))
	// Migrations are idempotent.
	require.NoError(t, registrymigrate.RunAll(ctx))

	storetest.Run(t, func(t *testing.T) (registrystore.MessagingStore, context.Context) {
		db, err := postgres.Open(dbURL)
		require.NoError(t, err)
		require.NoError(t, db.Exec("TRUNCATE messages, conversations, block_relations, profiles").Error)
		sqlDB, err := db.DB()
		require.NoError(t, err)
		require.NoError(t, sqlDB.Close())

		loader, err := registrystore.Select("postgres")
		require.NoError(t, err)
		store, err := loader(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store, ctx
	})
}
