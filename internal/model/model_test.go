package model

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairKey_IsOrderIndependent(t *testing.T) {
	require.Equal(t, PairKey("u1", "u2"), PairKey("u2", "u1"))
	require.NotEqual(t, PairKey("a|b", "c"), PairKey("a", "b|c"))

	a, b := CanonicalPair("zed", "amy")
	assert.Equal(t, "amy", a)
	assert.Equal(t, "zed", b)
}

func TestCursor_RoundTripAndOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	c := Cursor{CreatedAt: now, ID: uuid.Must(uuid.NewV7())}

	decoded, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	require.True(t, decoded.CreatedAt.Equal(now))
	require.Equal(t, c.ID, decoded.ID)

	later := Cursor{CreatedAt: now.Add(time.Microsecond), ID: uuid.Nil}
	assert.Equal(t, -1, c.Compare(later))
	assert.Equal(t, 1, later.Compare(c))

	sameTime := Cursor{CreatedAt: now, ID: uuid.Max}
	assert.Equal(t, -1, c.Compare(sameTime))

	_, err = DecodeCursor("not-a-cursor")
	require.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hi", Preview(Message{Kind: KindText, Text: " hi "}, 0))
	assert.Equal(t, "Image", Preview(Message{Kind: KindImage, MediaURL: "x"}, 0))
	assert.Equal(t, "Video", Preview(Message{Kind: KindVideo, MediaURL: "x"}, 0))

	long := strings.Repeat("é", 10)
	assert.Equal(t, strings.Repeat("é", 4)+"…", Preview(Message{Kind: KindText, Text: long}, 4))
}

func TestSummaryFor(t *testing.T) {
	at := time.Now().UTC()
	s := SummaryFor(Message{Kind: KindText, Text: "hello", SenderID: "u1", CreatedAt: at}, 10)

	var conv Conversation
	s.Apply(&conv)
	require.Equal(t, "hello", *conv.LastMessage)
	require.Equal(t, "u1", *conv.LastWriter)
	require.True(t, conv.LastMessageAt.Equal(at))
}

func TestNextTimestamp(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 1500, time.UTC)

	ts := NextTimestamp(now, nil, time.Microsecond)
	require.Equal(t, now.Truncate(time.Microsecond), ts)

	future := now.Add(time.Second)
	ts = NextTimestamp(now, &future, time.Microsecond)
	require.Equal(t, future.Truncate(time.Microsecond).Add(time.Microsecond), ts)

	ts = NextTimestamp(now, &future, time.Millisecond)
	require.Equal(t, future.Truncate(time.Millisecond).Add(time.Millisecond), ts)
}

func TestConversationPeer(t *testing.T) {
	c := Conversation{ParticipantA: "a", ParticipantB: "b"}
	assert.Equal(t, "b", c.Peer("a"))
	assert.Equal(t, "a", c.Peer("b"))
	assert.True(t, c.HasParticipant("a"))
	assert.False(t, c.HasParticipant("c"))
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusSent.Rank(), StatusSeen.Rank())
	assert.True(t, KindVideo.IsMedia())
	assert.False(t, KindText.IsMedia())
}
