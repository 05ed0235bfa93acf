// Package mongo derives conversation change signals from a change stream on the
// messages collection. Publish is a no-op because every committed insert or status
// update already produces an event.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	storemongo "github.com/chirino/messaging-service/internal/plugin/store/mongo"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const reconnectDelay = time.Second

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			cfg := config.FromContext(ctx)
			client, err := storemongo.Connect(ctx, cfg)
			if err != nil {
				return nil, fmt.Errorf("mongo notifier: %w", err)
			}
			return Watch(ctx, client, cfg.MongoDatabase)
		},
	})
}

// Notifier feeds change stream events into an in-process hub.
type Notifier struct {
	client *mongo.Client
	coll   *mongo.Collection
	hub    *registrynotify.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

type changeEvent struct {
	FullDocument struct {
		ConversationID string `bson:"conversation_id"`
	} `bson:"fullDocument"`
}

// Watch opens the change stream and starts the dispatch loop. The returned notifier
// owns client and disconnects it on Close.
func Watch(ctx context.Context, client *mongo.Client, database string) (*Notifier, error) {
	n := &Notifier{
		client: client,
		coll:   client.Database(database).Collection("messages"),
		hub:    registrynotify.NewHub(),
		done:   make(chan struct{}),
	}
	stream, err := n.open(ctx)
	if err != nil {
		return nil, err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go n.run(loopCtx, stream)
	return n, nil
}

func (n *Notifier) open(ctx context.Context) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace"}}}}},
		{{Key: "$project", Value: bson.M{"fullDocument.conversation_id": 1}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := n.coll.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo notifier: watch: %w", err)
	}
	return stream, nil
}

func (n *Notifier) run(ctx context.Context, stream *mongo.ChangeStream) {
	defer close(n.done)
	defer func() {
		if stream != nil {
			_ = stream.Close(context.Background())
		}
	}()

	for {
		if stream == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			var err error
			if stream, err = n.open(ctx); err != nil {
				log.Warn("mongo notifier: reopen failed", "err", err)
				stream = nil
				continue
			}
			n.hub.SignalAll()
		}

		if !stream.Next(ctx) {
			if ctx.Err() != nil {
				return
			}
			log.Warn("mongo notifier: change stream ended", "err", stream.Err())
			_ = stream.Close(context.Background())
			stream = nil
			continue
		}
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			log.Warn("mongo notifier: undecodable event", "err", err)
			continue
		}
		id, err := uuid.Parse(ev.FullDocument.ConversationID)
		if err != nil {
			continue
		}
		security.ObserveNotification("received", nil)
		n.hub.Signal(id)
	}
}

func (n *Notifier) Publish(context.Context, uuid.UUID) error {
	return nil
}

func (n *Notifier) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error) {
	return n.hub.Subscribe(ctx, conversationID), nil
}

func (n *Notifier) Close() error {
	n.cancel()
	<-n.done
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.client.Disconnect(ctx)
}
