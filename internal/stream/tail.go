package stream

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	registrystore "github.com/chirino/messaging-service/internal/registry/store"
	"github.com/google/uuid"
)

// MessageLister is the part of the messaging store a tail needs.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID uuid.UUID, q registrystore.MessageQuery) ([]model.Message, error)
}

// StoreTail implements Source over a store and a change notifier: every signal
// re-reads the newest window.
type StoreTail struct {
	Store    MessageLister
	Notifier registrynotify.Notifier
}

func (t *StoreTail) SubscribeTail(ctx context.Context, conversationID uuid.UUID, n int) (<-chan []model.Message, error) {
	// Subscribe before the first read so no change between the two is missed.
	signals, err := t.Notifier.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	first, err := t.window(ctx, conversationID, n)
	if err != nil {
		return nil, err
	}

	out := make(chan []model.Message, 1)
	out <- first
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
			}
			w, err := t.window(ctx, conversationID, n)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Tail re-read failed", "conversationID", conversationID, "err", err)
				continue
			}
			// Latest window wins when the consumer is behind.
			select {
			case out <- w:
			default:
				select {
				case <-out:
				default:
				}
				out <- w
			}
		}
	}()
	return out, nil
}

func (t *StoreTail) window(ctx context.Context, conversationID uuid.UUID, n int) ([]model.Message, error) {
	return t.Store.ListMessages(ctx, conversationID, registrystore.MessageQuery{Limit: n, Descending: true})
}

func (t *StoreTail) ListBefore(ctx context.Context, conversationID uuid.UUID, cursor model.Cursor, limit int) ([]model.Message, error) {
	return t.Store.ListMessages(ctx, conversationID, registrystore.MessageQuery{Before: &cursor, Limit: limit, Descending: true})
}

func (t *StoreTail) ListAfter(ctx context.Context, conversationID uuid.UUID, cursor model.Cursor, limit int) ([]model.Message, error) {
	return t.Store.ListMessages(ctx, conversationID, registrystore.MessageQuery{After: &cursor, Limit: limit})
}

var _ Source = (*StoreTail)(nil)
