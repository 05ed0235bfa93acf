package metrics

import (
	"context"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a MessagingStore that records StoreLatency for every operation.
func Wrap(inner store.MessagingStore) store.MessagingStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MessagingStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetOrCreateConversation(ctx context.Context, a, b string) (*model.Conversation, bool, error) {
	defer observe("get_or_create_conversation", time.Now())
	return m.inner.GetOrCreateConversation(ctx, a, b)
}

func (m *metricsStore) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, userID, conversationID)
}

func (m *metricsStore) ListConversations(ctx context.Context, userID string, afterCursor *string, limit int) (*store.ConversationPage, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, userID, afterCursor, limit)
}

func (m *metricsStore) AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, msg)
}

func (m *metricsStore) ListMessages(ctx context.Context, conversationID uuid.UUID, q store.MessageQuery) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, conversationID, q)
}

func (m *metricsStore) MarkSeen(ctx context.Context, userID string, conversationID uuid.UUID) (int64, error) {
	defer observe("mark_seen", time.Now())
	return m.inner.MarkSeen(ctx, userID, conversationID)
}

func (m *metricsStore) Block(ctx context.Context, blockerID, blockedID string) error {
	defer observe("block", time.Now())
	return m.inner.Block(ctx, blockerID, blockedID)
}

func (m *metricsStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	defer observe("unblock", time.Now())
	return m.inner.Unblock(ctx, blockerID, blockedID)
}

func (m *metricsStore) BlockStatus(ctx context.Context, a, b string) (model.BlockStatus, error) {
	defer observe("block_status", time.Now())
	return m.inner.BlockStatus(ctx, a, b)
}

func (m *metricsStore) ListBlocked(ctx context.Context, blockerID string) ([]model.BlockRelation, error) {
	defer observe("list_blocked", time.Now())
	return m.inner.ListBlocked(ctx, blockerID)
}

func (m *metricsStore) UpsertProfile(ctx context.Context, profile model.Profile) (*model.Profile, error) {
	defer observe("upsert_profile", time.Now())
	return m.inner.UpsertProfile(ctx, profile)
}

func (m *metricsStore) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	defer observe("get_profile", time.Now())
	return m.inner.GetProfile(ctx, userID)
}

func (m *metricsStore) Close() error {
	return m.inner.Close()
}
