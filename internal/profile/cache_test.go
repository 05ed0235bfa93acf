package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/messaging-service/internal/model"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSource struct {
	profiles map[string]model.Profile
	reads    int
}

func (s *countingSource) GetProfile(_ context.Context, id string) (*model.Profile, error) {
	s.reads++
	p, ok := s.profiles[id]
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: id}
	}
	return &p, nil
}

func (s *countingSource) UpsertProfile(_ context.Context, p model.Profile) (*model.Profile, error) {
	s.profiles[p.ID] = p
	return &p, nil
}

// mapBackend never evicts on its own, so expiry is decided only by the clock.
type mapBackend struct {
	entries map[string]registrycache.CachedProfile
}

func (m *mapBackend) Available() bool { return true }
func (m *mapBackend) Get(_ context.Context, id string) (*registrycache.CachedProfile, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}
func (m *mapBackend) Set(_ context.Context, id string, e registrycache.CachedProfile, _ time.Duration) error {
	m.entries[id] = e
	return nil
}
func (m *mapBackend) Remove(_ context.Context, id string) error {
	delete(m.entries, id)
	return nil
}

func newTestCache(t *testing.T) (*Cache, *countingSource, *fakeClock) {
	t.Helper()
	src := &countingSource{profiles: map[string]model.Profile{"u1": {ID: "u1", DisplayName: "Uno"}}}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	c := NewCache(src, &mapBackend{entries: map[string]registrycache.CachedProfile{}}, time.Minute, WithClock(clock))
	return c, src, clock
}

func TestGetServesFromCacheUntilExpiry(t *testing.T) {
	c, src, clock := newTestCache(t)
	ctx := context.Background()

	p, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Uno", p.DisplayName)
	assert.Equal(t, 1, src.reads)

	clock.Advance(59 * time.Second)
	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.reads, "entry is still fresh")

	clock.Advance(time.Second)
	_, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.reads, "entry expired exactly at ttl")
}

func TestPutInvalidates(t *testing.T) {
	c, src, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "u1")
	require.NoError(t, err)

	_, err = c.Put(ctx, model.Profile{ID: "u1", DisplayName: "  Uno Prime "})
	require.NoError(t, err)

	p, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Uno Prime", p.DisplayName)
	assert.Equal(t, 2, src.reads)
}

func TestPutValidates(t *testing.T) {
	c, _, _ := newTestCache(t)

	_, err := c.Put(context.Background(), model.Profile{ID: "u1", DisplayName: " "})
	var validation *registrystore.ValidationError
	require.True(t, errors.As(err, &validation))

	_, err = c.Put(context.Background(), model.Profile{DisplayName: "x"})
	var unauth *registrystore.UnauthenticatedError
	require.True(t, errors.As(err, &unauth))
}

func TestLookupMissing(t *testing.T) {
	c, _, _ := newTestCache(t)

	p, err := c.Lookup(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = c.Get(context.Background(), "ghost")
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestDisabledBackendReadsThrough(t *testing.T) {
	src := &countingSource{profiles: map[string]model.Profile{"u1": {ID: "u1", DisplayName: "Uno"}}}
	c := NewCache(src, nil, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "u1")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, src.reads)
}

// stallingSource holds the first read after it has copied the stored profile, so a
// write can land while that read is in flight.
type stallingSource struct {
	mu       sync.Mutex
	profiles map[string]model.Profile
	stall    bool
	entered  chan struct{}
	release  chan struct{}
}

func (s *stallingSource) GetProfile(_ context.Context, id string) (*model.Profile, error) {
	s.mu.Lock()
	p, ok := s.profiles[id]
	stall := s.stall
	s.stall = false
	s.mu.Unlock()
	if stall {
		close(s.entered)
		<-s.release
	}
	if !ok {
		return nil, &registrystore.NotFoundError{Resource: "profile", ID: id}
	}
	return &p, nil
}

func (s *stallingSource) UpsertProfile(_ context.Context, p model.Profile) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return &p, nil
}

type lockedBackend struct {
	mu sync.Mutex
	mapBackend
}

func (b *lockedBackend) Get(ctx context.Context, id string) (*registrycache.CachedProfile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapBackend.Get(ctx, id)
}
func (b *lockedBackend) Set(ctx context.Context, id string, e registrycache.CachedProfile, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapBackend.Set(ctx, id, e, ttl)
}
func (b *lockedBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapBackend.Remove(ctx, id)
}

func TestReadOverlappingPutIsNotCached(t *testing.T) {
	ctx := context.Background()
	src := &stallingSource{
		profiles: map[string]model.Profile{"u1": {ID: "u1", DisplayName: "Old"}},
		stall:    true,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	c := NewCache(src, &lockedBackend{mapBackend: mapBackend{entries: map[string]registrycache.CachedProfile{}}}, time.Hour)

	stale := make(chan *model.Profile, 1)
	go func() {
		p, err := c.Get(ctx, "u1")
		assert.NoError(t, err)
		stale <- p
	}()
	<-src.entered

	_, err := c.Put(ctx, model.Profile{ID: "u1", DisplayName: "New"})
	require.NoError(t, err)
	close(src.release)

	p := <-stale
	require.NotNil(t, p)
	assert.Equal(t, "Old", p.DisplayName, "the overlapping read returns what it read")

	p, err = c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "New", p.DisplayName)
}
