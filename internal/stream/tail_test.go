package stream_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/chirino/messaging-service/internal/plugin/store/sqlite"
	registrymigrate "github.com/chirino/messaging-service/internal/registry/migrate"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) (registrystore.MessagingStore, context.Context) {
	t.Helper()
	_ = sqlite.ForceImport

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	keeper, err := sqlite.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		if db, err := keeper.DB(); err == nil {
			_ = db.Close()
		}
	})

	cfg := config.DefaultConfig()
	cfg.DatastoreType = "sqlite"
	cfg.DBURL = dsn
	ctx := config.WithContext(context.Background(), &cfg)
	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("sqlite")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func TestStoreTailStream(t *testing.T) {
	store, ctx := newSQLiteStore(t)
	notifier := local.New()

	conv, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	for i := 0; i < 75; i++ {
		_, err := store.AppendMessage(ctx, model.Message{
			ConversationID: conv.ID, SenderID: "u1", Kind: model.KindText, Text: fmt.Sprintf("m%02d", i),
		})
		require.NoError(t, err)
	}

	pushes := make(chan stream.Snapshot, 8)
	tail := &stream.StoreTail{Store: store, Notifier: notifier}
	s, err := stream.Open(ctx, tail, conv.ID, stream.DefaultOptions(), func(snap stream.Snapshot) { pushes <- snap })
	require.NoError(t, err)
	defer s.Close()

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 30)
	assert.Equal(t, "m45", snap.Messages[0].Text)
	assert.Equal(t, "m74", snap.Messages[29].Text)
	assert.True(t, snap.HasMore)

	snap, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Messages, 50)
	assert.Equal(t, "m25", snap.Messages[0].Text)

	_, err = store.AppendMessage(ctx, model.Message{ConversationID: conv.ID, SenderID: "u2", Kind: model.KindText, Text: "live"})
	require.NoError(t, err)
	require.NoError(t, notifier.Publish(ctx, conv.ID))

	select {
	case pushed := <-pushes:
		require.Len(t, pushed.Messages, 51)
		assert.Equal(t, "live", pushed.Messages[50].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a push after publish")
	}

	_, err = store.MarkSeen(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.NoError(t, notifier.Publish(ctx, conv.ID))
	select {
	case pushed := <-pushes:
		assert.Equal(t, model.StatusSeen, pushed.Messages[50].Status)
		assert.Equal(t, model.StatusSent, pushed.Messages[49].Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a push after mark seen")
	}

	s.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tail not released")
	}
}
