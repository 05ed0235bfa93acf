package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Notifier wakes tail subscribers when a conversation's newest window changed.
// Signals carry no payload and coalesce: a subscriber that is busy sees one pending
// signal no matter how many publishes happened.
type Notifier interface {
	Publish(ctx context.Context, conversationID uuid.UUID) error
	// Subscribe returns a channel that receives a signal after each change. The
	// subscription ends, and the channel is closed, when ctx is done.
	Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error)
	Close() error
}

// Loader creates a Notifier from config.
type Loader func(ctx context.Context) (Notifier, error)

// Plugin represents a notifier plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a notifier plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered notifier plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named notifier plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown notifier %q; valid: %v", name, Names())
}
