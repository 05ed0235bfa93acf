// Package testmessenger builds a Messenger on an in-memory SQLite database for route tests.
package testmessenger

import (
	"fmt"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/attach/sqlitestore"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/chirino/messaging-service/internal/plugin/store/gormstore"
	"github.com/chirino/messaging-service/internal/plugin/store/sqlite"
	"github.com/chirino/messaging-service/internal/profile"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxMediaSize is the media limit of messengers built by New.
const MaxMediaSize = 1024 * 1024

// New returns a Messenger backed by a private in-memory database and blob table.
func New(tb testing.TB) *service.Messenger {
	tb.Helper()
	db, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	if err := sqlite.Migrate(db); err != nil {
		tb.Fatalf("migrate sqlite: %v", err)
	}
	store := gormstore.New(db, sqlite.Dialect, model.DefaultPreviewLength)
	tb.Cleanup(func() { _ = store.Close() })

	blobs, err := sqlitestore.New(db, tb.TempDir())
	if err != nil {
		tb.Fatalf("create blob store: %v", err)
	}
	media := service.NewMediaPipeline(blobs, MaxMediaSize, "")
	return service.NewMessenger(store, local.New(), profile.NewCache(store, nil, time.Minute), media, stream.DefaultOptions())
}

// Auth returns the production auth middleware without OIDC, so a bearer token is
// taken as the caller's user ID.
func Auth() gin.HandlerFunc {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	return security.AuthMiddleware(security.NewTokenResolver(&cfg))
}
