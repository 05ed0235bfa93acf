package store

import (
	"context"
	"fmt"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/google/uuid"
)

// MessageQuery selects a bounded range of a conversation's messages.
// Before and After are exclusive bounds; Descending controls the scan order.
type MessageQuery struct {
	Before     *model.Cursor
	After      *model.Cursor
	Limit      int
	Descending bool
}

// ConversationPage is one page of a participant's conversation list.
type ConversationPage struct {
	Conversations []model.Conversation
	AfterCursor   *string
}

// MessagingStore is the persistence SPI for conversations, messages, blocks and profiles.
// Methods taking a userID enforce participant access; the others are internal reads used
// by tail subscriptions after access was checked once.
type MessagingStore interface {
	// GetOrCreateConversation returns the conversation for the unordered pair, creating it
	// atomically on first use. created reports whether this call inserted it.
	GetOrCreateConversation(ctx context.Context, a, b string) (conv *model.Conversation, created bool, err error)
	GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, afterCursor *string, limit int) (*ConversationPage, error)

	// AppendMessage inserts msg and updates the conversation summary in one transaction.
	// It fails with BlockedError when either participant blocks the other. The store
	// assigns msg.ID, msg.CreatedAt and msg.Status.
	AppendMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, q MessageQuery) ([]model.Message, error)
	// MarkSeen moves every sent message authored by the peer of userID to seen.
	MarkSeen(ctx context.Context, userID string, conversationID uuid.UUID) (int64, error)

	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	BlockStatus(ctx context.Context, a, b string) (model.BlockStatus, error)
	ListBlocked(ctx context.Context, blockerID string) ([]model.BlockRelation, error)

	UpsertProfile(ctx context.Context, profile model.Profile) (*model.Profile, error)
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)

	Close() error
}

// Loader creates a MessagingStore from config.
type Loader func(ctx context.Context) (MessagingStore, error)

// Plugin represents a datastore plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a datastore plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered datastore plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named datastore plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
