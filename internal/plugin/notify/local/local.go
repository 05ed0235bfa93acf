// Package local provides an in-process notifier. It only wakes streams served by the
// same replica, so it suits single-instance deployments and tests.
package local

import (
	"context"

	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	"github.com/google/uuid"
)

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "local",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			return New(), nil
		},
	})
}

// Notifier signals subscribers through an in-memory hub.
type Notifier struct {
	hub *registrynotify.Hub
}

// New returns a ready notifier.
func New() *Notifier {
	return &Notifier{hub: registrynotify.NewHub()}
}

func (n *Notifier) Publish(_ context.Context, conversationID uuid.UUID) error {
	n.hub.Signal(conversationID)
	return nil
}

func (n *Notifier) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error) {
	return n.hub.Subscribe(ctx, conversationID), nil
}

func (n *Notifier) Close() error { return nil }
