package model

import (
	"strings"
	"time"
)

// DefaultPreviewLength is the rune limit applied to text previews when none is configured.
const DefaultPreviewLength = 120

// Summary is the denormalized last-message projection stored on a conversation.
type Summary struct {
	LastMessage   string
	LastMessageAt time.Time
	LastWriter    string
}

// SummaryFor projects a freshly appended message into its conversation summary.
func SummaryFor(msg Message, previewLength int) Summary {
	return Summary{
		LastMessage:   Preview(msg, previewLength),
		LastMessageAt: msg.CreatedAt,
		LastWriter:    msg.SenderID,
	}
}

// Preview renders the list-view text for a message.
func Preview(msg Message, previewLength int) string {
	switch msg.Kind {
	case KindImage:
		return "Image"
	case KindVideo:
		return "Video"
	}
	if previewLength <= 0 {
		previewLength = DefaultPreviewLength
	}
	text := strings.TrimSpace(msg.Text)
	runes := []rune(text)
	if len(runes) <= previewLength {
		return text
	}
	return string(runes[:previewLength]) + "…"
}

// Apply copies the summary onto the conversation.
func (s Summary) Apply(c *Conversation) {
	last := s.LastMessage
	at := s.LastMessageAt
	writer := s.LastWriter
	c.LastMessage = &last
	c.LastMessageAt = &at
	c.LastWriter = &writer
}
