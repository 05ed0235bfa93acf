// Package local keeps profiles in a bounded in-process ristretto cache.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/messaging-service/internal/config"
	registrycache "github.com/chirino/messaging-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrycache.ProfileCache, error) {
			maxEntries := int64(10_000)
			if cfg := config.FromContext(ctx); cfg != nil && cfg.ProfileCacheMaxEntries > 0 {
				maxEntries = cfg.ProfileCacheMaxEntries
			}
			return New(maxEntries)
		},
	})
}

// Cache stores one entry per user with unit cost.
type Cache struct {
	store *ristretto.Cache[string, registrycache.CachedProfile]
}

// New returns a cache admitting up to maxEntries profiles.
func New(maxEntries int64) (*Cache, error) {
	store, err := ristretto.NewCache(&ristretto.Config[string, registrycache.CachedProfile]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &Cache{store: store}, nil
}

func (c *Cache) Available() bool { return true }

func (c *Cache) Get(_ context.Context, userID string) (*registrycache.CachedProfile, error) {
	entry, ok := c.store.Get(userID)
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (c *Cache) Set(_ context.Context, userID string, entry registrycache.CachedProfile, ttl time.Duration) error {
	if ttl > 0 {
		c.store.SetWithTTL(userID, entry, 1, ttl)
	} else {
		c.store.Set(userID, entry, 1)
	}
	// Make the write visible to the next Get.
	c.store.Wait()
	return nil
}

func (c *Cache) Remove(_ context.Context, userID string) error {
	c.store.Del(userID)
	return nil
}

var _ registrycache.ProfileCache = (*Cache)(nil)
