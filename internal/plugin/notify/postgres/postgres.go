// Package postgres delivers conversation change signals with LISTEN/NOTIFY, so replicas
// sharing a Postgres datastore need no extra broker.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/config"
	registrynotify "github.com/chirino/messaging-service/internal/registry/notify"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Channel is the NOTIFY channel; the payload is the conversation ID.
const Channel = "messaging_conversations"

const reconnectDelay = time.Second

func init() {
	registrynotify.Register(registrynotify.Plugin{
		Name: "postgres",
		Loader: func(ctx context.Context) (registrynotify.Notifier, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || cfg.DBURL == "" {
				return nil, fmt.Errorf("postgres notifier: MESSAGING_SERVICE_DB_URL is required")
			}
			return Open(ctx, cfg.DBURL)
		},
	})
}

// Notifier publishes with pg_notify and listens on a dedicated connection.
type Notifier struct {
	dbURL  string
	pool   *pgxpool.Pool
	hub    *registrynotify.Hub
	cancel context.CancelFunc
	done   chan struct{}
}

// Open connects the publish pool and the listener connection.
func Open(ctx context.Context, dbURL string) (*Notifier, error) {
	poolCfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres notifier: invalid URL: %w", err)
	}
	poolCfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres notifier: connect: %w", err)
	}

	conn, err := listen(ctx, dbURL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		dbURL:  dbURL,
		pool:   pool,
		hub:    registrynotify.NewHub(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go n.run(loopCtx, conn)
	return n, nil
}

func listen(ctx context.Context, dbURL string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres notifier: listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("postgres notifier: listen: %w", err)
	}
	return conn, nil
}

func (n *Notifier) run(ctx context.Context, conn *pgx.Conn) {
	defer close(n.done)
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			var err error
			if conn, err = listen(ctx, n.dbURL); err != nil {
				log.Warn("postgres notifier: reconnect failed", "err", err)
				conn = nil
				continue
			}
			log.Info("postgres notifier: listener reconnected")
			n.hub.SignalAll()
		}

		note, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("postgres notifier: listener lost", "err", err)
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}
		id, err := uuid.Parse(note.Payload)
		if err != nil {
			log.Warn("postgres notifier: ignoring malformed payload", "payload", note.Payload)
			continue
		}
		security.ObserveNotification("received", nil)
		n.hub.Signal(id)
	}
}

func (n *Notifier) Publish(ctx context.Context, conversationID uuid.UUID) error {
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", Channel, conversationID.String())
	security.ObserveNotification("published", err)
	if err != nil {
		return fmt.Errorf("postgres notifier: publish: %w", err)
	}
	return nil
}

func (n *Notifier) Subscribe(ctx context.Context, conversationID uuid.UUID) (<-chan struct{}, error) {
	return n.hub.Subscribe(ctx, conversationID), nil
}

func (n *Notifier) Close() error {
	n.cancel()
	<-n.done
	n.pool.Close()
	return nil
}

var _ registrynotify.Notifier = (*Notifier)(nil)
