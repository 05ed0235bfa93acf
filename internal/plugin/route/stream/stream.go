// Package stream serves a MessageStream over a WebSocket.
//
// Server frames are {"type":"snapshot",...} carrying the full held window and
// {"type":"error","code":...}. Client frames are {"type":"loadOlder"} and
// {"type":"markSeen"}.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/model"
	"github.com/chirino/messaging-service/internal/plugin/route/routeutil"
	"github.com/chirino/messaging-service/internal/security"
	"github.com/chirino/messaging-service/internal/service"
	msgstream "github.com/chirino/messaging-service/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
	sendBuffer     = 32
)

// Options tune the WebSocket endpoint.
type Options struct {
	PingInterval time.Duration
	// AllowedOrigins limits cross-origin upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// Frame is a server-to-client message.
type Frame struct {
	Type     string          `json:"type"`
	Messages []model.Message `json:"messages,omitempty"`
	HasMore  bool            `json:"hasMore"`
	State    string          `json:"state,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type clientFrame struct {
	Type string `json:"type"`
}

// MountRoutes mounts the stream endpoint.
func MountRoutes(r *gin.Engine, messenger *service.Messenger, opts Options, auth gin.HandlerFunc) {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	r.GET("/v1/conversations/:conversationId/stream", auth, func(c *gin.Context) {
		serveStream(c, messenger, &upgrader, opts.PingInterval)
	})
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func snapshotFrame(snap msgstream.Snapshot) Frame {
	return Frame{Type: "snapshot", Messages: snap.Messages, HasMore: snap.HasMore, State: snap.State.String()}
}

func errorFrame(err error) Frame {
	_, body := routeutil.ErrorBody(err)
	code, _ := body["code"].(string)
	msg, _ := body["error"].(string)
	return Frame{Type: "error", Code: code, Error: msg}
}

func serveStream(c *gin.Context, messenger *service.Messenger, upgrader *websocket.Upgrader, pingInterval time.Duration) {
	conversationID, ok := routeutil.ConversationID(c)
	if !ok {
		return
	}
	userID := security.GetUserID(c)
	conn := newConnection()

	s, err := messenger.OpenStream(c.Request.Context(), userID, conversationID, func(snap msgstream.Snapshot) {
		conn.send(snapshotFrame(snap))
	})
	if err != nil {
		routeutil.HandleError(c, err)
		return
	}
	defer s.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already wrote an HTTP error.
		log.Info("Stream upgrade failed", "conversationID", conversationID, "err", err)
		return
	}
	if !conn.attach(ws) {
		return
	}
	defer conn.close(websocket.CloseNormalClosure, "")

	// The opening snapshot goes first; pushes that raced the upgrade are queued behind it
	// and carry a superset of its messages.
	conn.sendFirst(snapshotFrame(s.Snapshot()))
	go conn.writeLoop(pingInterval)

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			conn.close(websocket.CloseGoingAway, "stream closed")
		case <-ctx.Done():
		}
	}()

	readLoop(ctx, conn, s, messenger, userID, conversationID, pingInterval)
}

func readLoop(ctx context.Context, conn *connection, s *msgstream.Stream, messenger *service.Messenger, userID string, conversationID uuid.UUID, pingInterval time.Duration) {
	ws := conn.ws
	ws.SetReadLimit(maxClientFrame)
	pongWait := 2 * pingInterval
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Stream read ended", "conversationID", conversationID, "err", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			conn.send(Frame{Type: "error", Code: "validation_error", Error: "malformed frame"})
			continue
		}
		switch frame.Type {
		case "loadOlder":
			go func() {
				snap, err := s.LoadOlder(ctx)
				switch {
				case errors.Is(err, msgstream.ErrClosed), errors.Is(err, context.Canceled):
				case err != nil:
					conn.send(errorFrame(err))
				default:
					conn.send(snapshotFrame(snap))
				}
			}()
		case "markSeen":
			if _, err := messenger.MarkSeen(ctx, userID, conversationID); err != nil {
				conn.send(errorFrame(err))
			}
		default:
			conn.send(Frame{Type: "error", Code: "validation_error", Error: "unknown frame type " + frame.Type})
		}
	}
}

// connection serializes writes to one WebSocket through a buffered queue. A client
// that falls a full queue behind is disconnected. Pushes may arrive before the
// upgrade completes, so a close requested then is applied by attach.
type connection struct {
	queue chan Frame
	first chan Frame
	done  chan struct{}

	mu          sync.Mutex
	ws          *websocket.Conn
	closed      bool
	finished    bool
	closeCode   int
	closeReason string
}

func newConnection() *connection {
	return &connection{
		queue: make(chan Frame, sendBuffer),
		first: make(chan Frame, 1),
		done:  make(chan struct{}),
	}
}

// attach binds the upgraded socket. It reports false, after closing ws, when the
// connection was already closed.
func (c *connection) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	c.ws = ws
	finished, code, reason := c.finished, c.closeCode, c.closeReason
	c.mu.Unlock()
	if finished {
		closeSocket(ws, code, reason)
		return false
	}
	return true
}

func (c *connection) sendFirst(f Frame) {
	c.first <- f
}

func (c *connection) send(f Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- f:
	default:
		c.closed = true
		go c.close(websocket.ClosePolicyViolation, "send buffer full")
	}
}

func (c *connection) close(code int, reason string) {
	c.mu.Lock()
	c.closed = true
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	ws := c.ws
	if ws == nil {
		c.closeCode, c.closeReason = code, reason
	}
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		closeSocket(ws, code, reason)
	}
}

func closeSocket(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = ws.Close()
}

func (c *connection) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	select {
	case f := <-c.first:
		if err := c.write(f); err != nil {
			c.close(websocket.CloseAbnormalClosure, "")
			return
		}
	case <-c.done:
		return
	}
	for {
		select {
		case <-c.done:
			return
		case f := <-c.queue:
			if err := c.write(f); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (c *connection) write(f Frame) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}
