package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource keeps an ascending history and pushes the newest window to subscribers
// only when told to.
type fakeSource struct {
	mu          sync.Mutex
	history     []model.Message
	base        time.Time
	subs        []fakeSub
	beforeCalls int
	afterCalls  int
	// gate, when set, holds ListBefore until it is closed.
	gate chan struct{}
	// entered receives a value when ListBefore starts waiting on gate.
	entered chan struct{}
}

type fakeSub struct {
	ctx context.Context
	n   int
	ch  chan []model.Message
}

func newFakeSource(count int) *fakeSource {
	f := &fakeSource{base: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	f.appendQuiet(count)
	return f
}

// appendQuiet adds count messages without notifying subscribers.
func (f *fakeSource) appendQuiet(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < count; i++ {
		n := len(f.history)
		f.history = append(f.history, model.Message{
			ID:        uuid.Must(uuid.NewV7()),
			SenderID:  "u1",
			Kind:      model.KindText,
			Text:      fmt.Sprintf("m%02d", n),
			Status:    model.StatusSent,
			CreatedAt: f.base.Add(time.Duration(n) * time.Second),
		})
	}
}

func (f *fakeSource) markAllSeen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.history {
		f.history[i].Status = model.StatusSeen
	}
}

func (f *fakeSource) windowLocked(n int) []model.Message {
	start := len(f.history) - n
	if start < 0 {
		start = 0
	}
	w := slices.Clone(f.history[start:])
	slices.Reverse(w)
	return w
}

// push delivers the current window to every live subscriber.
func (f *fakeSource) push() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.ctx.Err() != nil {
			continue
		}
		s.ch <- f.windowLocked(s.n)
	}
}

func (f *fakeSource) liveSubscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := 0
	for _, s := range f.subs {
		if s.ctx.Err() == nil {
			live++
		}
	}
	return live
}

func (f *fakeSource) SubscribeTail(ctx context.Context, _ uuid.UUID, n int) (<-chan []model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in := make(chan []model.Message, 16)
	in <- f.windowLocked(n)
	f.subs = append(f.subs, fakeSub{ctx: ctx, n: n, ch: in})

	out := make(chan []model.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case w := <-in:
				select {
				case out <- w:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeSource) ListBefore(ctx context.Context, _ uuid.UUID, cursor model.Cursor, limit int) ([]model.Message, error) {
	f.mu.Lock()
	f.beforeCalls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for i := len(f.history) - 1; i >= 0 && len(out) < limit; i-- {
		if f.history[i].Cursor().Compare(cursor) < 0 {
			out = append(out, f.history[i])
		}
	}
	return out, nil
}

func (f *fakeSource) ListAfter(_ context.Context, _ uuid.UUID, cursor model.Cursor, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afterCalls++
	var out []model.Message
	for _, m := range f.history {
		if len(out) == limit {
			break
		}
		if m.Cursor().Compare(cursor) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

type pushRecorder struct {
	ch chan Snapshot
}

func newPushRecorder() *pushRecorder {
	return &pushRecorder{ch: make(chan Snapshot, 64)}
}

func (r *pushRecorder) onPush(s Snapshot) { r.ch <- s }

func (r *pushRecorder) next(t *testing.T) Snapshot {
	t.Helper()
	select {
	case s := <-r.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a push")
		return Snapshot{}
	}
}

func (r *pushRecorder) none(t *testing.T) {
	t.Helper()
	select {
	case s := <-r.ch:
		t.Fatalf("unexpected push with %d messages", len(s.Messages))
	case <-time.After(100 * time.Millisecond):
	}
}

func texts(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func expected(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("m%02d", i))
	}
	return out
}

func requireOrderedUnique(t *testing.T, msgs []model.Message) {
	t.Helper()
	seen := map[uuid.UUID]bool{}
	for i, m := range msgs {
		require.False(t, seen[m.ID], "duplicate message %s", m.Text)
		seen[m.ID] = true
		if i > 0 {
			require.Equal(t, 1, model.CompareMessages(m, msgs[i-1]), "out of order at %d", i)
		}
	}
}

func openTest(t *testing.T, src *fakeSource, rec *pushRecorder) *Stream {
	t.Helper()
	var onPush func(Snapshot)
	if rec != nil {
		onPush = rec.onPush
	}
	s, err := Open(context.Background(), src, uuid.New(), DefaultOptions(), onPush)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestOpenDeliversNewestWindowAscending(t *testing.T) {
	s := openTest(t, newFakeSource(75), nil)

	snap := s.Snapshot()
	assert.Equal(t, StateLive, snap.State)
	assert.True(t, snap.HasMore)
	assert.Equal(t, expected(45, 74), texts(snap.Messages))
}

func TestOpenShortHistoryHasNoMore(t *testing.T) {
	src := newFakeSource(12)
	s := openTest(t, src, nil)

	snap := s.Snapshot()
	assert.False(t, snap.HasMore)
	assert.Equal(t, expected(0, 11), texts(snap.Messages))

	again, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Len(t, again.Messages, 12)
	assert.Equal(t, 0, src.beforeCalls, "no query without more history")
}

func TestLoadOlderWalksHistory(t *testing.T) {
	src := newFakeSource(75)
	s := openTest(t, src, nil)
	ctx := context.Background()

	snap, err := s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected(25, 74), texts(snap.Messages))
	assert.True(t, snap.HasMore)

	snap, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected(5, 74), texts(snap.Messages))
	assert.True(t, snap.HasMore)

	snap, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, expected(0, 74), texts(snap.Messages))
	assert.False(t, snap.HasMore)

	_, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, src.beforeCalls)
	requireOrderedUnique(t, s.Snapshot().Messages)
}

func TestPushAppendsExactlyOnce(t *testing.T) {
	src := newFakeSource(40)
	rec := newPushRecorder()
	s := openTest(t, src, rec)

	src.appendQuiet(1)
	src.push()
	snap := rec.next(t)
	assert.Equal(t, expected(10, 40), texts(snap.Messages))

	// Repeating the same window changes nothing and produces no callback.
	src.push()
	rec.none(t)

	// The new message is inside the tail, so paging back never duplicates it.
	_, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	snap = s.Snapshot()
	requireOrderedUnique(t, snap.Messages)
	assert.Equal(t, expected(0, 40), texts(snap.Messages))
}

func TestPushDuringPagingIsMergedOnce(t *testing.T) {
	src := newFakeSource(75)
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	rec := newPushRecorder()
	s := openTest(t, src, rec)

	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := s.LoadOlder(context.Background())
		done <- result{snap, err}
	}()
	<-src.entered
	assert.Equal(t, StatePaging, s.State())

	src.appendQuiet(2)
	src.push()
	pushed := rec.next(t)
	assert.Equal(t, StatePaging, pushed.State)
	assert.Equal(t, expected(45, 76), texts(pushed.Messages))

	close(src.gate)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, StateLive, r.snap.State)
	assert.Equal(t, expected(25, 76), texts(r.snap.Messages))
	requireOrderedUnique(t, r.snap.Messages)
}

func TestConcurrentLoadOlderIsBusy(t *testing.T) {
	src := newFakeSource(75)
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	s := openTest(t, src, nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadOlder(context.Background())
		done <- err
	}()
	<-src.entered

	_, err := s.LoadOlder(context.Background())
	require.ErrorIs(t, err, ErrBusy)

	close(src.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, src.beforeCalls)
}

func TestCloseMidPagingDiscardsPage(t *testing.T) {
	src := newFakeSource(75)
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	rec := newPushRecorder()
	s, err := Open(context.Background(), src, uuid.New(), DefaultOptions(), rec.onPush)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.LoadOlder(context.Background())
		done <- err
	}()
	<-src.entered

	s.Close()
	s.Close()
	assert.Equal(t, StateClosed, s.State())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pagination did not finish after close")
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released")
	}
	assert.Equal(t, 0, src.liveSubscribers())
	assert.Len(t, s.Snapshot().Messages, 30, "discarded page must not be merged")

	src.appendQuiet(1)
	src.push()
	rec.none(t)

	_, err = s.LoadOlder(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestGapFillAfterBurst(t *testing.T) {
	src := newFakeSource(35)
	rec := newPushRecorder()
	s := openTest(t, src, rec)
	require.Equal(t, expected(5, 34), texts(s.Snapshot().Messages))

	// More than a full window arrives before the next push.
	src.appendQuiet(40)
	src.push()

	snap := rec.next(t)
	assert.Equal(t, expected(5, 74), texts(snap.Messages))
	requireOrderedUnique(t, snap.Messages)
	assert.True(t, snap.HasMore)
	assert.Equal(t, 1, src.afterCalls)
}

func TestEmptyConversationThenBurst(t *testing.T) {
	src := newFakeSource(0)
	rec := newPushRecorder()
	s := openTest(t, src, rec)

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.False(t, snap.HasMore)

	src.appendQuiet(40)
	src.push()
	snap = rec.next(t)
	assert.Equal(t, expected(10, 39), texts(snap.Messages))
	assert.True(t, snap.HasMore)

	snap, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected(0, 39), texts(snap.Messages))
	assert.False(t, snap.HasMore)
}

func TestStatusOnlyMovesForward(t *testing.T) {
	src := newFakeSource(5)
	rec := newPushRecorder()
	s := openTest(t, src, rec)

	src.markAllSeen()
	src.push()
	snap := rec.next(t)
	for _, m := range snap.Messages {
		assert.Equal(t, model.StatusSeen, m.Status)
	}

	// A stale window carrying "sent" must not regress the held status.
	require.NoError(t, s.mergeStale())
	for _, m := range s.Snapshot().Messages {
		assert.Equal(t, model.StatusSeen, m.Status)
	}
}

// mergeStale feeds the held messages back with their status reset to sent.
func (s *Stream) mergeStale() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale := slices.Clone(s.messages)
	for i := range stale {
		stale[i].Status = model.StatusSent
		stale[i].Text = "tampered"
	}
	if s.mergeLocked(stale) {
		return errors.New("stale window reported a change")
	}
	return nil
}

func TestSnapshotIsACopy(t *testing.T) {
	s := openTest(t, newFakeSource(3), nil)

	snap := s.Snapshot()
	snap.Messages[0].Text = "changed"
	assert.Equal(t, "m00", s.Snapshot().Messages[0].Text)
}

func TestOpenHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, blockingSource{}, uuid.New(), DefaultOptions(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

// blockingSource never delivers a first window.
type blockingSource struct{}

func (blockingSource) SubscribeTail(context.Context, uuid.UUID, int) (<-chan []model.Message, error) {
	return make(chan []model.Message), nil
}
func (blockingSource) ListBefore(context.Context, uuid.UUID, model.Cursor, int) ([]model.Message, error) {
	return nil, nil
}
func (blockingSource) ListAfter(context.Context, uuid.UUID, model.Cursor, int) ([]model.Message, error) {
	return nil, nil
}

func TestCloseDuringPushCallback(t *testing.T) {
	src := newFakeSource(5)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	s, err := Open(context.Background(), src, uuid.New(), DefaultOptions(), func(Snapshot) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	require.NoError(t, err)

	src.appendQuiet(1)
	src.push()
	<-entered

	// Queue another window behind the running callback.
	src.appendQuiet(1)
	src.push()

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the running callback")
	}
	close(release)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released")
	}
	assert.Equal(t, int32(1), calls.Load(), "no callback may start after Close returned")
}

func TestCloseFromPushCallback(t *testing.T) {
	src := newFakeSource(5)
	var calls atomic.Int32
	var s *Stream
	ready := make(chan struct{})
	var err error
	s, err = Open(context.Background(), src, uuid.New(), DefaultOptions(), func(Snapshot) {
		<-ready
		calls.Add(1)
		s.Close()
	})
	require.NoError(t, err)
	close(ready)

	src.appendQuiet(1)
	src.push()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Close from the callback did not release the subscription")
	}
	assert.Equal(t, StateClosed, s.State())

	src.appendQuiet(1)
	src.push()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
