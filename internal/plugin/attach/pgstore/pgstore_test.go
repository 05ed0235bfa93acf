package pgstore

import (
	"testing"

	"github.com/chirino/messaging-service/internal/plugin/attach/blobtest"
	storepostgres "github.com/chirino/messaging-service/internal/plugin/store/postgres"
	"github.com/chirino/messaging-service/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestPgStore(t *testing.T) {
	dbURL := testpg.StartPostgres(t)
	db, err := storepostgres.Open(dbURL)
	require.NoError(t, err)

	store, err := New(db, t.TempDir())
	require.NoError(t, err)
	blobtest.Run(t, store)
}
