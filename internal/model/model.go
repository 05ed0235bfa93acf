package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind is the payload variant of a message.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindVideo MessageKind = "video"
)

// IsMedia reports whether the kind references an uploaded blob.
func (k MessageKind) IsMedia() bool {
	return k == KindImage || k == KindVideo
}

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	StatusSent MessageStatus = "sent"
	StatusSeen MessageStatus = "seen"
)

// Rank orders statuses so that a status only ever moves forward.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSeen:
		return 1
	default:
		return 0
	}
}

// Conversation is a two-party conversation. ParticipantA < ParticipantB always holds,
// and PairKey is unique across all conversations.
type Conversation struct {
	ID           uuid.UUID `json:"id"           gorm:"primaryKey;type:uuid"`
	PairKey      string    `json:"-"            gorm:"not null;uniqueIndex:conversations_pair_key_idx"`
	ParticipantA string    `json:"participantA" gorm:"not null;index"`
	ParticipantB string    `json:"participantB" gorm:"not null;index"`

	// Summary fields, written only together with a message append.
	LastMessage   *string    `json:"lastMessage"`
	LastMessageAt *time.Time `json:"lastMessageAt"`
	LastWriter    *string    `json:"lastWriter"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

// TableName implements gorm.Tabler.
func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// ActivityAt is the time of the latest message, or the creation time when empty.
// Conversation lists are ordered by it, newest first.
func (c *Conversation) ActivityAt() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// ActivityCursor is the conversation's position in an activity-ordered list.
func (c *Conversation) ActivityCursor() Cursor {
	return Cursor{CreatedAt: c.ActivityAt(), ID: c.ID}
}

// Peer returns the other participant.
func (c *Conversation) Peer(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// Message is a single entry in a conversation's append-only log.
type Message struct {
	ID             uuid.UUID     `json:"id"             gorm:"primaryKey;type:uuid"`
	ConversationID uuid.UUID     `json:"conversationId" gorm:"type:uuid;not null;index:messages_conversation_order_idx,priority:1"`
	SenderID       string        `json:"senderId"       gorm:"not null"`
	Kind           MessageKind   `json:"kind"           gorm:"not null"`
	Text           string        `json:"text,omitempty"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	Status         MessageStatus `json:"status"         gorm:"not null"`
	CreatedAt      time.Time     `json:"createdAt"      gorm:"not null;index:messages_conversation_order_idx,priority:2"`
}

// TableName implements gorm.Tabler.
func (Message) TableName() string { return "messages" }

// Cursor returns the pagination position of the message.
func (m *Message) Cursor() Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// BlockRelation is a directed block edge from BlockerID to BlockedID.
type BlockRelation struct {
	BlockerID string    `json:"blockerId" gorm:"primaryKey"`
	BlockedID string    `json:"blockedId" gorm:"primaryKey;index"`
	CreatedAt time.Time `json:"createdAt" gorm:"not null"`
}

// TableName implements gorm.Tabler.
func (BlockRelation) TableName() string { return "block_relations" }

// BlockStatus reports both directed edges between identities A and B.
type BlockStatus struct {
	BlockedByA bool `json:"blockedByA"`
	BlockedByB bool `json:"blockedByB"`
}

// Gated reports whether sending in either direction is disallowed.
func (s BlockStatus) Gated() bool {
	return s.BlockedByA || s.BlockedByB
}

// Profile is the narrow identity projection the messaging core reads.
type Profile struct {
	ID          string    `json:"id"          gorm:"primaryKey"`
	DisplayName string    `json:"displayName" gorm:"not null"`
	AvatarURL   string    `json:"avatarUrl"`
	UpdatedAt   time.Time `json:"updatedAt"   gorm:"not null"`
}

// TableName implements gorm.Tabler.
func (Profile) TableName() string { return "profiles" }
