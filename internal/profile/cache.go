// Package profile serves the narrow identity projection shown next to conversations.
// Reads go through a TTL cache whose expiry is judged by an injected clock.
package profile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/chirino/messaging-service/internal/security"
)

// Source is the authoritative profile storage.
type Source interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	UpsertProfile(ctx context.Context, profile model.Profile) (*model.Profile, error)
}

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Cache is a read-through profile cache.
type Cache struct {
	source  Source
	backend registrycache.ProfileCache
	ttl     time.Duration
	clock   Clock

	// writes counts Puts. A fill whose source read overlapped a Put is not cached.
	fillMu sync.RWMutex
	writes uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// NewCache returns a cache in front of source. A nil backend disables caching.
func NewCache(source Source, backend registrycache.ProfileCache, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		source:  source,
		backend: backend,
		ttl:     ttl,
		clock:   ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) cacheEnabled() bool {
	return c.backend != nil && c.backend.Available() && c.ttl > 0
}

// Get returns the profile for userID, serving a cached copy until it expires.
func (c *Cache) Get(ctx context.Context, userID string) (*model.Profile, error) {
	if c.cacheEnabled() {
		entry, err := c.backend.Get(ctx, userID)
		if err != nil {
			log.Warn("Profile cache read failed", "userID", userID, "err", err)
		} else if entry != nil && c.clock.Now().Before(entry.ExpiresAt) {
			security.ObserveCache(true)
			p := entry.Profile
			return &p, nil
		}
		security.ObserveCache(false)
	}

	c.fillMu.RLock()
	before := c.writes
	c.fillMu.RUnlock()

	p, err := c.source.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c.cacheEnabled() {
		c.fill(ctx, userID, *p, before)
	}
	return p, nil
}

func (c *Cache) fill(ctx context.Context, userID string, p model.Profile, before uint64) {
	c.fillMu.RLock()
	defer c.fillMu.RUnlock()
	if c.writes != before {
		return
	}
	entry := registrycache.CachedProfile{Profile: p, ExpiresAt: c.clock.Now().Add(c.ttl)}
	if err := c.backend.Set(ctx, userID, entry, c.ttl); err != nil {
		log.Warn("Profile cache write failed", "userID", userID, "err", err)
	}
}

// Lookup is Get that treats a missing profile as nil rather than an error.
func (c *Cache) Lookup(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := c.Get(ctx, userID)
	var notFound *registrystore.NotFoundError
	if errors.As(err, &notFound) {
		return nil, nil
	}
	return p, err
}

// Put stores the caller's profile and drops any cached copy.
func (c *Cache) Put(ctx context.Context, p model.Profile) (*model.Profile, error) {
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.ID == "" {
		return nil, &registrystore.UnauthenticatedError{}
	}
	if p.DisplayName == "" {
		return nil, &registrystore.ValidationError{Field: "displayName", Message: "must not be empty"}
	}
	saved, err := c.source.UpsertProfile(ctx, p)
	if err != nil {
		return nil, err
	}
	c.fillMu.Lock()
	c.writes++
	c.fillMu.Unlock()
	c.Invalidate(ctx, p.ID)
	return saved, nil
}

// Invalidate removes userID from the cache.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if c.backend == nil || !c.backend.Available() {
		return
	}
	if err := c.backend.Remove(ctx, userID); err != nil {
		log.Warn("Profile cache invalidation failed", "userID", userID, "err", err)
	}
}
