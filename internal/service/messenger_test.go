package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/notify/local"
	"github.com/chirino/messaging-service/internal/plugin/store/gormstore"
	"github.com/chirino/messaging-service/internal/plugin/store/sqlite"
	"github.com/chirino/messaging-service/internal/profile"
	registryattach "github.com/chirino/messaging-service/internal/registry/attach"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/stream"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBlobs is an in-memory BlobStore that records every call.
type fakeBlobs struct {
	mu      sync.Mutex
	calls   int
	blobs   map[string][]byte
	putErr  error
	deleted []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}}
}

func (f *fakeBlobs) Put(_ context.Context, data io.Reader, maxSize int64, _ string) (*registryattach.PutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.putErr != nil {
		return nil, f.putErr
	}
	payload, err := io.ReadAll(io.LimitReader(data, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > maxSize {
		return nil, registryattach.ErrTooLarge
	}
	key := uuid.NewString()
	f.blobs[key] = payload
	return &registryattach.PutResult{StorageKey: key, Size: int64(len(payload))}, nil
}

func (f *fakeBlobs) Open(_ context.Context, key string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	payload, ok := f.blobs[key]
	if !ok {
		return nil, "", &registrystore.NotFoundError{Resource: "media", ID: key}
	}
	return io.NopCloser(bytes.NewReader(payload)), "image/png", nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	delete(f.blobs, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeBlobs) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	messenger *Messenger
	store     registrystore.MessagingStore
	blobs     *fakeBlobs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	store := gormstore.New(db, sqlite.Dialect, model.DefaultPreviewLength)
	t.Cleanup(func() { _ = store.Close() })

	blobs := newFakeBlobs()
	media := NewMediaPipeline(blobs, 10*1024*1024, "")
	m := NewMessenger(store, local.New(), profile.NewCache(store, nil, time.Minute), media, stream.DefaultOptions())
	return &fixture{messenger: m, store: store, blobs: blobs}
}

func TestExampleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.messenger

	c1, created, err := m.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.True(t, created)

	_, err = m.SendText(ctx, "u1", c1.ID, "hi")
	require.NoError(t, err)

	conv, err := m.GetConversation(ctx, "u2", c1.ID)
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hi", *conv.LastMessage)
	assert.Equal(t, "u1", *conv.LastWriter)

	require.NoError(t, m.Block(ctx, "u2", "u1"))
	_, err = m.SendText(ctx, "u1", c1.ID, "hello")
	var blocked *registrystore.BlockedError
	require.True(t, errors.As(err, &blocked), "expected BlockedError, got %v", err)
	assert.True(t, blocked.Status.Recipient)
	assert.False(t, blocked.Status.Sender)

	require.NoError(t, m.Unblock(ctx, "u2", "u1"))
	_, err = m.SendText(ctx, "u1", c1.ID, "hello")
	require.NoError(t, err)

	conv, err = m.GetConversation(ctx, "u1", c1.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", *conv.LastMessage)
}

func TestGetOrCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.messenger.GetOrCreate(ctx, "u1", "u1")
	var validation *registrystore.ValidationError
	assert.True(t, errors.As(err, &validation))

	_, _, err = f.messenger.GetOrCreate(ctx, "", "u2")
	var unauth *registrystore.UnauthenticatedError
	assert.True(t, errors.As(err, &unauth))

	a, createdA, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	b, createdB, err := f.messenger.GetOrCreate(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.True(t, createdA)
	assert.False(t, createdB)
}

func TestConcurrentGetOrCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

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
			conv, _, err := f.messenger.GetOrCreate(ctx, a, b)
			errs[i] = err
			if conv != nil {
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

func TestSendTextValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	_, err = f.messenger.SendText(ctx, "u1", conv.ID, "   ")
	var validation *registrystore.ValidationError
	assert.True(t, errors.As(err, &validation))

	_, err = f.messenger.SendText(ctx, "u3", conv.ID, "intruder")
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestBlockingStatusBothOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "a", "b")
	require.NoError(t, err)

	require.NoError(t, f.messenger.Block(ctx, "a", "b"))
	require.NoError(t, f.messenger.Block(ctx, "a", "b"))

	status, err := f.messenger.BlockingStatus(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, model.BlockStatus{BlockedByA: true}, status)
	status, err = f.messenger.BlockingStatus(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, model.BlockStatus{BlockedByB: true}, status)

	for _, sender := range []string{"a", "b"} {
		_, err := f.messenger.SendText(ctx, sender, conv.ID, "x")
		var blocked *registrystore.BlockedError
		assert.True(t, errors.As(err, &blocked), "sender %s", sender)
	}

	blockedList, err := f.messenger.ListBlocked(ctx, "a")
	require.NoError(t, err)
	require.Len(t, blockedList, 1)
	assert.Equal(t, "b", blockedList[0].BlockedID)

	err = f.messenger.Block(ctx, "a", "a")
	var validation *registrystore.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, 2048)
	msg, err := f.messenger.SendMedia(ctx, "u1", conv.ID, bytes.NewReader(payload), int64(len(payload)), "image/png")
	require.NoError(t, err)
	assert.Equal(t, model.KindImage, msg.Kind)
	assert.Contains(t, msg.MediaURL, MediaRoutePrefix)

	updated, err := f.messenger.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Image", *updated.LastMessage)

	_, err = f.messenger.SendMedia(ctx, "u1", conv.ID, bytes.NewReader(payload), int64(len(payload)), "video/mp4; codecs=avc1")
	require.NoError(t, err)
	updated, err = f.messenger.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Video", *updated.LastMessage)
}

func TestSendMediaRejectsBeforeUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	const size = 15 * 1024 * 1024
	_, err = f.messenger.SendMedia(ctx, "u1", conv.ID, bytes.NewReader(make([]byte, size)), size, "image/jpeg")
	var validation *registrystore.ValidationError
	require.True(t, errors.As(err, &validation), "expected ValidationError, got %v", err)

	_, err = f.messenger.SendMedia(ctx, "u1", conv.ID, bytes.NewReader([]byte("%PDF")), 4, "application/pdf")
	require.True(t, errors.As(err, &validation))

	require.NoError(t, f.messenger.Block(ctx, "u2", "u1"))
	_, err = f.messenger.SendMedia(ctx, "u1", conv.ID, bytes.NewReader([]byte("png")), 3, "image/png")
	var blocked *registrystore.BlockedError
	require.True(t, errors.As(err, &blocked))

	assert.Equal(t, 0, f.blobs.callCount())
}

func TestSendMediaUploadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	f.blobs.putErr = errors.New("access denied")
	_, err = f.messenger.SendMedia(ctx, "u1", conv.ID, bytes.NewReader([]byte("png")), 3, "image/png")
	var failed *registryattach.UploadFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "access denied", failed.Reason)
	assert.Equal(t, 1, f.blobs.callCount())

	updated, err := f.messenger.GetConversation(ctx, "u1", conv.ID)
	require.NoError(t, err)
	assert.Nil(t, updated.LastMessage)
}

// blockingStore lets the pre-check pass and then rejects the append, as a block
// racing the upload would.
type blockingStore struct {
	registrystore.MessagingStore
}

func (s blockingStore) AppendMessage(_ context.Context, msg model.Message) (*model.Message, error) {
	return nil, &registrystore.BlockedError{ConversationID: msg.ConversationID.String()}
}

func TestSendMediaDeletesOrphanOnAppendFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)

	m := NewMessenger(blockingStore{f.store}, local.New(), nil, f.messenger.Media(), stream.DefaultOptions())
	_, err = m.SendMedia(ctx, "u1", conv.ID, bytes.NewReader([]byte("png")), 3, "image/png")
	require.Error(t, err)

	require.Len(t, f.blobs.deleted, 1)
	assert.Empty(t, f.blobs.blobs)
}

func TestListMessagesPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		_, err := f.messenger.SendText(ctx, "u1", conv.ID, fmt.Sprintf("m%02d", i))
		require.NoError(t, err)
	}

	page, err := f.messenger.ListMessages(ctx, "u2", conv.ID, nil, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 20)
	assert.Equal(t, "m05", page.Messages[0].Text)
	assert.Equal(t, "m24", page.Messages[19].Text)
	require.True(t, page.HasMore)
	require.NotNil(t, page.BeforeCursor)

	page, err = f.messenger.ListMessages(ctx, "u2", conv.ID, page.BeforeCursor, 20)
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	assert.Equal(t, "m00", page.Messages[0].Text)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.BeforeCursor)

	bad := "not-a-cursor"
	_, err = f.messenger.ListMessages(ctx, "u2", conv.ID, &bad, 20)
	var validation *registrystore.ValidationError
	assert.True(t, errors.As(err, &validation))
}

func TestListConversationsWithPeerProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.messenger.Profiles().Put(ctx, model.Profile{ID: "u2", DisplayName: "User Two"})
	require.NoError(t, err)
	first, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	second, _, err := f.messenger.GetOrCreate(ctx, "u1", "u3")
	require.NoError(t, err)
	_, err = f.messenger.SendText(ctx, "u1", first.ID, "latest")
	require.NoError(t, err)

	list, err := f.messenger.ListConversations(ctx, "u1", nil, 10)
	require.NoError(t, err)
	require.Len(t, list.Conversations, 2)
	assert.Equal(t, first.ID, list.Conversations[0].ID)
	assert.Equal(t, "u2", list.Conversations[0].PeerID)
	require.NotNil(t, list.Conversations[0].Peer)
	assert.Equal(t, "User Two", list.Conversations[0].Peer.DisplayName)
	assert.Equal(t, second.ID, list.Conversations[1].ID)
	assert.Nil(t, list.Conversations[1].Peer)
}

func TestOpenStreamAndMarkSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, _, err := f.messenger.GetOrCreate(ctx, "u1", "u2")
	require.NoError(t, err)
	_, err = f.messenger.SendText(ctx, "u1", conv.ID, "first")
	require.NoError(t, err)

	_, err = f.messenger.OpenStream(ctx, "u3", conv.ID, func(stream.Snapshot) {})
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))

	pushes := make(chan stream.Snapshot, 8)
	s, err := f.messenger.OpenStream(ctx, "u1", conv.ID, func(snap stream.Snapshot) { pushes <- snap })
	require.NoError(t, err)
	defer s.Close()
	require.Len(t, s.Snapshot().Messages, 1)

	_, err = f.messenger.SendText(ctx, "u2", conv.ID, "reply")
	require.NoError(t, err)
	select {
	case snap := <-pushes:
		require.Len(t, snap.Messages, 2)
		assert.Equal(t, "reply", snap.Messages[1].Text)
	case <-time.After(5 * time.Second):
		t.Fatal("expected push for new message")
	}

	n, err := f.messenger.MarkSeen(ctx, "u2", conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	select {
	case snap := <-pushes:
		assert.Equal(t, model.StatusSeen, snap.Messages[0].Status)
		assert.Equal(t, model.StatusSent, snap.Messages[1].Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expected push for seen transition")
	}
}
