package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/messaging-service/internal/model"
)

// CachedProfile is a profile with the instant it stops being servable.
type CachedProfile struct {
	Profile   model.Profile `json:"profile"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// ProfileCache is the storage backend for the profile cache. Expiry decisions are
// made by the caller against its own clock; ttl is only a retention hint.
type ProfileCache interface {
	Available() bool
	Get(ctx context.Context, userID string) (*CachedProfile, error)
	Set(ctx context.Context, userID string, entry CachedProfile, ttl time.Duration) error
	Remove(ctx context.Context, userID string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ProfileCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
