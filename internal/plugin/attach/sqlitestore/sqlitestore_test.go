package sqlitestore

import (
	"fmt"
	"testing"

	"github.com/chirino/messaging-service/internal/plugin/attach/blobtest"
	storesqlite "github.com/chirino/messaging-service/internal/plugin/store/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore(t *testing.T) {
	db, err := storesqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store, err := New(db, t.TempDir())
	require.NoError(t, err)
	blobtest.Run(t, store)
}
