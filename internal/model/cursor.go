package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cursor is a (timestamp, id) position in a conversation's message order.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"i"`
}

// Compare orders cursors by timestamp, then by id.
func (c Cursor) Compare(other Cursor) int {
	if c.CreatedAt.Before(other.CreatedAt) {
		return -1
	}
	if c.CreatedAt.After(other.CreatedAt) {
		return 1
	}
	return bytes.Compare(c.ID[:], other.ID[:])
}

// Encode returns the opaque wire form of the cursor.
func (c Cursor) Encode() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a cursor produced by Encode.
func DecodeCursor(raw string) (Cursor, error) {
	var c Cursor
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("invalid cursor: %w", err)
	}
	if c.ID == uuid.Nil {
		return c, fmt.Errorf("invalid cursor: missing id")
	}
	return c, nil
}

// CompareMessages orders messages by (CreatedAt, ID).
func CompareMessages(a, b Message) int {
	return a.Cursor().Compare(b.Cursor())
}
