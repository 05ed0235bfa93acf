// Package redis fans conversation change signals across replicas with Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ChannelPrefix is prepended to the conversation ID to form the pub/sub channel.
const ChannelPrefix = "messaging:conversation:"

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrynotify.Notifier, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis notifier: MESSAGING_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL connects, subscribes to every conversation channel and starts the
// dispatch loop.
func LoadFromURL(ctx context.Context, redisURL string) (*Notifier, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis notifier: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis notifier: ping failed: %w", err)
	}

	pubsub := client.PSubscribe(ctx, ChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("redis notifier: subscribe failed: %w", err)
	}

	n := &Notifier{
		client: client,
		pubsub: pubsub,
		hub:    registrynotify.NewHub(),
		done:   make(chan struct{}),
	}
	go n.dispatch()
	return n, nil
}

// Notifier publishes to Redis and feeds received messages into an in-process hub.
type Notifier struct {
	client *goredis.Client
	pubsub *goredis.PubSub
	hub    *registrynotify.Hub
	done   chan struct{}
}

func (n *Notifier) dispatch() {
	defer close(n.done)
	// go-redis re-subscribes after a reconnect. Messages published in between are lost.
	for msg := range n.pubsub.Channel(goredis.WithChannelHealthCheckInterval(30 * time.Second)) {
		id, err := uuid.Parse(strings.TrimPrefix(msg.Channel, ChannelPrefix))
		if err != nil {
			log.Warn("redis notifier: ignoring message on unexpected channel", "channel", msg.Channel)
			continue
		}
		security.ObserveNotification("received", nil)
		n.hub.Signal(id)
	}
}

func (n *Notifier) Publish(ctx context.Context, conversationID uuid.UUID) error {
	err := n.client.Publish(ctx, ChannelPrefix+conversationID.String(), "changed").Err()
	security.ObserveNotification("published", err)
	if err != nil {
		return fmt.Errorf("redis notifier: publish: %w", err)
	}
	return nil
}

func (n *Notifier) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error) {
	return n.hub.Subscribe(ctx, conversationID), nil
}

func (n *Notifier) Close() error {
	err := n.pubsub.Close()
	<-n.done
	if cerr := n.client.Close(); err == nil {
		err = cerr
	}
	return err
}
