// Package storetest holds the behavior suite every MessagingStore plugin must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chirino/messaging-service/internal/model"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, migrated store and the context to use with it.
type Factory func(t *testing.T) (registrystore.MessagingStore, context.Context)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetOrCreateIsSymmetric", func(t *testing.T) { testGetOrCreateSymmetric(t, newStore) })
	t.Run("GetOrCreateConcurrent", func(t *testing.T) { testGetOrCreateConcurrent(t, newStore) })
	t.Run("ConversationAccess", func(t *testing.T) { testConversationAccess(t, newStore) })
	t.Run("AppendUpdatesSummary", func(t *testing.T) { testAppendUpdatesSummary(t, newStore) })
	t.Run("MessagePaging", func(t *testing.T) { testMessagePaging(t, newStore) })
	t.Run("BlockGatesBothDirections", func(t *testing.T) { testBlockGating(t, newStore) })
	t.Run("MarkSeen", func(t *testing.T) { testMarkSeen(t, newStore) })
	t.Run("ListConversations", func(t *testing.T) { testListConversations(t, newStore) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, newStore) })
}

func text(conv *model.Conversation, sender, body string) model.Message {
	return model.Message{ConversationID: conv.ID, SenderID: sender, Kind: model.KindText, Text: body}
}

func testGetOrCreateSymmetric(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	first, created, err := store.GetOrCreateConversation(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u1", first.ParticipantA)
	assert.Equal(t, "u2", first.ParticipantB)
	assert.Nil(t, first.LastMessage)
	assert.Nil(t, first.LastMessageAt)
	assert.Nil(t, first.LastWriter)

	second, created, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := store.GetOrCreateConversation(ctx, "u1", "u3")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func testGetOrCreateConcurrent(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	const workers = 16
	ids := make([]uuid.UUID, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := store.GetOrCreateConversation(ctx, a, b)
			errs[i] = err
			if err == nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func testConversationAccess(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	conv, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	got, err := store.GetConversation(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = store.GetConversation(ctx, "u3", conv.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))

	_, err = store.GetConversation(ctx, "u1", uuid.New())
	require.True(t, errors.As(err, &notFound))

	_, err = store.AppendMessage(ctx, text(conv, "u3", "intruder"))
	require.True(t, errors.As(err, &notFound))
}

func testAppendUpdatesSummary(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	conv, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	msg, err := store.AppendMessage(ctx, text(conv, "u1", "hi"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, model.StatusSent, msg.Status)
	assert.False(t, msg.CreatedAt.IsZero())

	got, err := store.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessage)
	require.NotNil(t, got.LastWriter)
	require.NotNil(t, got.LastMessageAt)
	assert.Equal(t, "hi", *got.LastMessage)
	assert.Equal(t, "u1", *got.LastWriter)
	assert.True(t, msg.CreatedAt.Equal(*got.LastMessageAt))

	media, err := store.AppendMessage(ctx, model.Message{
		ConversationID: conv.ID, SenderID: "u2", Kind: model.KindImage, MediaURL: "/v1/media/abc",
	})
	require.NoError(t, err)
	assert.True(t, media.CreatedAt.After(msg.CreatedAt))

	got, err = store.GetConversation(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Image", *got.LastMessage)
	assert.Equal(t, "u2", *got.LastWriter)
	assert.True(t, media.CreatedAt.Equal(*got.LastMessageAt))
}

func testMessagePaging(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	conv, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	const total = 75
	appended := make([]model.Message, 0, total)
	for i := 0; i < total; i++ {
		sender := "u1"
		if i%3 == 0 {
			sender = "u2"
		}
		msg, err := store.AppendMessage(ctx, text(conv, sender, fmt.Sprintf("m%02d", i)))
		require.NoError(t, err)
		appended = append(appended, *msg)
	}
	for i := 1; i < total; i++ {
		require.True(t, appended[i].CreatedAt.After(appended[i-1].CreatedAt), "timestamps must strictly increase")
	}

	tail, err := store.ListMessages(ctx, conv.ID, registrystore.MessageQuery{Limit: 30, Descending: true})
	require.NoError(t, err)
	require.Len(t, tail, 30)
	assert.Equal(t, "m74", tail[0].Text)
	assert.Equal(t, "m45", tail[29].Text)

	seen := map[uuid.UUID]bool{}
	for _, m := range tail {
		seen[m.ID] = true
	}
	cursor := tail[len(tail)-1].Cursor()
	for {
		page, err := store.ListMessages(ctx, conv.ID, registrystore.MessageQuery{Before: &cursor, Limit: 20, Descending: true})
		require.NoError(t, err)
		for i, m := range page {
			require.False(t, seen[m.ID], "duplicate %s", m.Text)
			seen[m.ID] = true
			if i > 0 {
				require.Equal(t, 1, model.CompareMessages(page[i-1], m))
			}
		}
		if len(page) < 20 {
			break
		}
		cursor = page[len(page)-1].Cursor()
	}
	assert.Len(t, seen, total)

	after := appended[69].Cursor()
	newer, err := store.ListMessages(ctx, conv.ID, registrystore.MessageQuery{After: &after, Limit: 100})
	require.NoError(t, err)
	require.Len(t, newer, 5)
	assert.Equal(t, "m70", newer[0].Text)
	assert.Equal(t, "m74", newer[4].Text)
}

func testBlockGating(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	conv, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)

	require.NoError(t, store.Block(ctx, "u1", "u2"))
	require.NoError(t, store.Block(ctx, "u1", "u2"))

	status, err := store.BlockStatus(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, model.BlockStatus{BlockedByA: true}, status)

	status, err = store.BlockStatus(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, model.BlockStatus{BlockedByB: true}, status)

	_, err = store.AppendMessage(ctx, text(conv, "u1", "from blocker"))
	var blocked *registrystore.BlockedError
	require.True(t, errors.As(err, &blocked))
	assert.True(t, blocked.Status.Sender)
	assert.False(t, blocked.Status.Recipient)

	_, err = store.AppendMessage(ctx, text(conv, "u2", "from blocked"))
	require.True(t, errors.As(err, &blocked))
	assert.False(t, blocked.Status.Sender)
	assert.True(t, blocked.Status.Recipient)

	msgs, err := store.ListMessages(ctx, conv.ID, registrystore.MessageQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	got, err := store.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessage)

	rels, err := store.ListBlocked(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "u2", rels[0].BlockedID)

	require.NoError(t, store.Unblock(ctx, "u1", "u2"))
	require.NoError(t, store.Unblock(ctx, "u1", "u2"))

	_, err = store.AppendMessage(ctx, text(conv, "u2", "after unblock"))
	require.NoError(t, err)

	rels, err = store.ListBlocked(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func testMarkSeen(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	conv, _, err := store.GetOrCreateConversation(ctx, "u1", "u2")
	require.NoError(t, err)
	for _, m := range []model.Message{text(conv, "u1", "a"), text(conv, "u1", "b"), text(conv, "u2", "c")} {
		_, err := store.AppendMessage(ctx, m)
		require.NoError(t, err)
	}

	n, err := store.MarkSeen(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.MarkSeen(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	msgs, err := store.ListMessages(ctx, conv.ID, registrystore.MessageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.StatusSeen, msgs[0].Status)
	assert.Equal(t, model.StatusSeen, msgs[1].Status)
	assert.Equal(t, model.StatusSent, msgs[2].Status)

	_, err = store.MarkSeen(ctx, "u3", conv.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func testListConversations(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	var convs []*model.Conversation
	for _, peer := range []string{"p1", "p2", "p3"} {
		conv, _, err := store.GetOrCreateConversation(ctx, "me", peer)
		require.NoError(t, err)
		convs = append(convs, conv)
	}
	_, _, err := store.GetOrCreateConversation(ctx, "p1", "p2")
	require.NoError(t, err)

	// Activity order: p1 most recent, then p3, then p2.
	_, err = store.AppendMessage(ctx, text(convs[2], "me", "to p3"))
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, text(convs[0], "p1", "from p1"))
	require.NoError(t, err)

	page, err := store.ListConversations(ctx, "me", nil, 2)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	require.NotNil(t, page.AfterCursor)
	assert.Equal(t, convs[0].ID, page.Conversations[0].ID)
	assert.Equal(t, convs[2].ID, page.Conversations[1].ID)

	rest, err := store.ListConversations(ctx, "me", page.AfterCursor, 2)
	require.NoError(t, err)
	require.Len(t, rest.Conversations, 1)
	assert.Nil(t, rest.AfterCursor)
	assert.Equal(t, convs[1].ID, rest.Conversations[0].ID)

	bad := "not-a-cursor"
	_, err = store.ListConversations(ctx, "me", &bad, 2)
	var validation *registrystore.ValidationError
	require.True(t, errors.As(err, &validation))
}

func testProfiles(t *testing.T, newStore Factory) {
	store, ctx := newStore(t)

	_, err := store.GetProfile(ctx, "u1")
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))

	saved, err := store.UpsertProfile(ctx, model.Profile{ID: "u1", DisplayName: "Uno"})
	require.NoError(t, err)
	assert.False(t, saved.UpdatedAt.IsZero())

	_, err = store.UpsertProfile(ctx, model.Profile{ID: "u1", DisplayName: "Uno Prime", AvatarURL: "https://example.com/u1.png"})
	require.NoError(t, err)

	got, err := store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Uno Prime", got.DisplayName)
	assert.Equal(t, "https://example.com/u1.png", got.AvatarURL)
}
