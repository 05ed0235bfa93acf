// Package service implements the messaging operations exposed to transports.
// Every method takes the caller's resolved user ID; an empty one is rejected.
package service

import (
	"context"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/profile"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ConversationView is a conversation as listed for one participant.
type ConversationView struct {
	model.Conversation
	PeerID string         `json:"peerId"`
	Peer   *model.Profile `json:"peer,omitempty"`
}

// ConversationList is one page of ConversationViews.
type ConversationList struct {
	Conversations []ConversationView `json:"conversations"`
	AfterCursor   *string            `json:"afterCursor"`
}

// MessagePage is a backward page of messages in ascending order.
type MessagePage struct {
	Messages     []model.Message `json:"messages"`
	HasMore      bool            `json:"hasMore"`
	BeforeCursor *string         `json:"beforeCursor"`
}

// Messenger is the entry point for conversations, messages, blocks and streams.
type Messenger struct {
	store      registrystore.MessagingStore
	notifier   registrynotify.Notifier
	profiles   *profile.Cache
	media      *MediaPipeline
	streamOpts stream.Options
}

func NewMessenger(store registrystore.MessagingStore, notifier registrynotify.Notifier, profiles *profile.Cache, media *MediaPipeline, streamOpts stream.Options) *Messenger {
	return &Messenger{
		store:      store,
		notifier:   notifier,
		profiles:   profiles,
		media:      media,
		streamOpts: streamOpts,
	}
}

// Media returns the pipeline used by SendMedia.
func (m *Messenger) Media() *MediaPipeline { return m.media }

// Profiles returns the profile cache used for conversation lists.
func (m *Messenger) Profiles() *profile.Cache { return m.profiles }

func requireUser(userID string) error {
	if userID == "" {
		return &registrystore.UnauthenticatedError{}
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// GetOrCreate returns the conversation between userID and peerID, creating it on first use.
func (m *Messenger) GetOrCreate(ctx context.Context, userID, peerID string) (*model.Conversation, bool, error) {
	if err := requireUser(userID); err != nil {
		return nil, false, err
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, false, &registrystore.ValidationError{Field: "participantId", Message: "is required"}
	}
	if peerID == userID {
		return nil, false, &registrystore.ValidationError{Field: "participantId", Message: "must differ from the caller"}
	}
	return m.store.GetOrCreateConversation(ctx, userID, peerID)
}

func (m *Messenger) GetConversation(ctx context.Context, userID string, conversationID uuid.UUID) (*model.Conversation, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return m.store.GetConversation(ctx, userID, conversationID)
}

// ListConversations returns the caller's conversations, most recent activity first,
// each with the peer's profile when one is known.
func (m *Messenger) ListConversations(ctx context.Context, userID string, afterCursor *string, limit int) (*ConversationList, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	page, err := m.store.ListConversations(ctx, userID, afterCursor, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	out := &ConversationList{
		Conversations: make([]ConversationView, 0, len(page.Conversations)),
		AfterCursor:   page.AfterCursor,
	}
	for _, conv := range page.Conversations {
		view := ConversationView{Conversation: conv, PeerID: conv.Peer(userID)}
		if m.profiles != nil {
			peer, err := m.profiles.Lookup(ctx, view.PeerID)
			if err != nil {
				log.Warn("Peer profile lookup failed", "userID", view.PeerID, "err", err)
			}
			view.Peer = peer
		}
		out.Conversations = append(out.Conversations, view)
	}
	return out, nil
}

// ListMessages returns up to limit messages strictly older than before (or the newest
// when before is nil), oldest first.
func (m *Messenger) ListMessages(ctx context.Context, userID string, conversationID uuid.UUID, before *string, limit int) (*MessagePage, error) {
	if _, err := m.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	q := registrystore.MessageQuery{Limit: limit + 1, Descending: true}
	if before != nil && *before != "" {
		cur, err := model.DecodeCursor(*before)
		if err != nil {
			return nil, &registrystore.ValidationError{Field: "before", Message: err.Error()}
		}
		q.Before = &cur
	}
	msgs, err := m.store.ListMessages(ctx, conversationID, q)
	if err != nil {
		return nil, err
	}
	page := &MessagePage{}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		page.HasMore = true
	}
	page.Messages = make([]model.Message, len(msgs))
	for i, msg := range msgs {
		page.Messages[len(msgs)-1-i] = msg
	}
	if page.HasMore {
		cursor := page.Messages[0].Cursor().Encode()
		page.BeforeCursor = &cursor
	}
	return page, nil
}

// OpenStream opens a live MessageStream for a participant. The stream outlives ctx;
// callers end it with Close.
func (m *Messenger) OpenStream(ctx context.Context, userID string, conversationID uuid.UUID, onPush func(stream.Snapshot)) (*stream.Stream, error) {
	if _, err := m.GetConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	tail := &stream.StoreTail{Store: m.store, Notifier: m.notifier}
	s, err := stream.Open(ctx, tail, conversationID, m.streamOpts, onPush)
	if err != nil {
		return nil, err
	}
	security.StreamOpened()
	go func() {
		<-s.Done()
		security.StreamClosed()
	}()
	return s, nil
}

// SendText appends a text message from userID.
func (m *Messenger) SendText(ctx context.Context, userID string, conversationID uuid.UUID, text string) (*model.Message, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, &registrystore.ValidationError{Field: "text", Message: "must not be empty"}
	}
	return m.append(ctx, model.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		Kind:           model.KindText,
		Text:           text,
	})
}

// SendMedia uploads data and appends an image or video message referencing it.
// The upload is deleted again when the append fails.
func (m *Messenger) SendMedia(ctx context.Context, userID string, conversationID uuid.UUID, data io.Reader, size int64, contentType string) (*model.Message, error) {
	conv, err := m.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if _, _, err := m.media.Validate(size, contentType); err != nil {
		return nil, err
	}
	if err := m.checkBlocked(ctx, conv, userID); err != nil {
		return nil, err
	}

	upload, err := m.media.Upload(ctx, data, size, contentType)
	if err != nil {
		return nil, err
	}
	msg, err := m.append(ctx, model.Message{
		ConversationID: conversationID,
		SenderID:       userID,
		Kind:           upload.Kind,
		MediaURL:       upload.URL,
	})
	if err != nil {
		m.media.Discard(ctx, upload.StorageKey)
		return nil, err
	}
	return msg, nil
}

// checkBlocked rejects a send before any upload work. AppendMessage checks again
// inside its transaction.
func (m *Messenger) checkBlocked(ctx context.Context, conv *model.Conversation, senderID string) error {
	peer := conv.Peer(senderID)
	status, err := m.store.BlockStatus(ctx, senderID, peer)
	if err != nil {
		return err
	}
	if !status.Gated() {
		return nil
	}
	return &registrystore.BlockedError{
		ConversationID: conv.ID.String(),
		Status:         registrystore.BlockedBy{Sender: status.BlockedByA, Recipient: status.BlockedByB},
	}
}

func (m *Messenger) append(ctx context.Context, msg model.Message) (*model.Message, error) {
	saved, err := m.store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	security.ObserveMessageSent(string(saved.Kind))
	m.publish(ctx, saved.ConversationID)
	return saved, nil
}

// publish wakes tail subscribers after a commit. A failed publish leaves the data
// committed; streams catch up on the next signal.
func (m *Messenger) publish(ctx context.Context, conversationID uuid.UUID) {
	if m.notifier == nil {
		return
	}
	err := m.notifier.Publish(context.WithoutCancel(ctx), conversationID)
	security.ObserveNotification("publish", err)
	if err != nil {
		log.Warn("Failed to publish conversation change", "conversationID", conversationID, "err", err)
	}
}

// MarkSeen marks the peer's sent messages as seen and returns how many changed.
func (m *Messenger) MarkSeen(ctx context.Context, userID string, conversationID uuid.UUID) (int64, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}
	n, err := m.store.MarkSeen(ctx, userID, conversationID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.publish(ctx, conversationID)
	}
	return n, nil
}

func validateBlockTarget(userID, targetID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if strings.TrimSpace(targetID) == "" {
		return &registrystore.ValidationError{Field: "userId", Message: "is required"}
	}
	if targetID == userID {
		return &registrystore.ValidationError{Field: "userId", Message: "cannot block yourself"}
	}
	return nil
}

// Block records that userID blocks targetID. Blocking twice is not an error.
func (m *Messenger) Block(ctx context.Context, userID, targetID string) error {
	if err := validateBlockTarget(userID, targetID); err != nil {
		return err
	}
	return m.store.Block(ctx, userID, targetID)
}

// Unblock removes the edge from userID to targetID, if any.
func (m *Messenger) Unblock(ctx context.Context, userID, targetID string) error {
	if err := validateBlockTarget(userID, targetID); err != nil {
		return err
	}
	return m.store.Unblock(ctx, userID, targetID)
}

// BlockingStatus reports both edges between userID (A) and otherID (B).
func (m *Messenger) BlockingStatus(ctx context.Context, userID, otherID string) (model.BlockStatus, error) {
	if err := requireUser(userID); err != nil {
		return model.BlockStatus{}, err
	}
	if strings.TrimSpace(otherID) == "" {
		return model.BlockStatus{}, &registrystore.ValidationError{Field: "userId", Message: "is required"}
	}
	return m.store.BlockStatus(ctx, userID, otherID)
}

func (m *Messenger) ListBlocked(ctx context.Context, userID string) ([]model.BlockRelation, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	return m.store.ListBlocked(ctx, userID)
}

