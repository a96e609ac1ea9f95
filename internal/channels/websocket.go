package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// wsFrame is the wire envelope in both directions.
type wsFrame struct {
	Type     string `json:"type"` // "message", "response", "status"
	Content  string `json:"content,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Tool     string `json:"tool,omitempty"`
	Error    bool   `json:"error,omitempty"`
}

// WebSocketChannel serves a bidirectional socket. Single-user: every
// connection speaks for the configured user; responses and status events
// go to all live connections.
type WebSocketChannel struct {
	userID string
	addr   string

	upgrader websocket.Upgrader
	server   *http.Server

	mu     sync.Mutex
	conns  map[*websocket.Conn]bool
	stream chan types.IncomingMessage
}

// NewWebSocketChannel creates the channel listening on addr.
func NewWebSocketChannel(userID, addr string) *WebSocketChannel {
	return &WebSocketChannel{
		userID: userID,
		addr:   addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single-user local service; no cross-origin browsers.
			CheckOrigin: func(r *http.Request) bool { return r.Host == r.Header.Get("Origin") || r.Header.Get("Origin") == "" },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

// Name identifies the channel.
func (c *WebSocketChannel) Name() string { return "websocket" }

// Start serves the socket endpoint.
func (c *WebSocketChannel) Start(ctx context.Context) (<-chan types.IncomingMessage, error) {
	c.stream = make(chan types.IncomingMessage, 32)

	srvMux := http.NewServeMux()
	srvMux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Get(logging.CategoryChannel).Warn("ws upgrade: %v", err)
			return
		}
		c.mu.Lock()
		c.conns[conn] = true
		c.mu.Unlock()
		go c.readLoop(ctx, conn)
	})

	c.server = &http.Server{Addr: c.addr, Handler: srvMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get(logging.CategoryChannel).Error("ws server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
		close(c.stream)
	}()
	return c.stream, nil
}

func (c *WebSocketChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		delete(c.conns, conn)
		c.mu.Unlock()
		conn.Close()
	}()
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}
		msg := types.IncomingMessage{
			ID:               uuid.New(),
			UserID:           c.userID,
			Content:          frame.Content,
			ExternalThreadID: frame.ThreadID,
			ReceivedAt:       time.Now().UTC(),
		}
		select {
		case c.stream <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WebSocketChannel) writeAll(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) == 0 {
		return fmt.Errorf("%w: no live connections", types.ErrChannelSend)
	}
	var lastErr error
	for conn := range c.conns {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Respond delivers the final response frame.
func (c *WebSocketChannel) Respond(_ *types.IncomingMessage, resp types.OutgoingResponse) error {
	return c.writeAll(wsFrame{
		Type:     "response",
		Content:  resp.Content,
		ThreadID: resp.ThreadID.String(),
		Error:    resp.IsError,
	})
}

// SendStatus streams an event frame.
func (c *WebSocketChannel) SendStatus(update types.StatusUpdate) error {
	return c.writeAll(wsFrame{
		Type:     "status",
		Kind:     string(update.Kind),
		Content:  update.Text + update.Preview,
		Tool:     update.ToolName,
		ThreadID: update.ThreadID.String(),
	})
}

// Broadcast pushes to every live connection.
func (c *WebSocketChannel) Broadcast(_ string, resp types.OutgoingResponse) error {
	return c.Respond(nil, resp)
}

// HealthCheck reports server liveness.
func (c *WebSocketChannel) HealthCheck(context.Context) error {
	if c.server == nil {
		return types.ErrChannelStartup
	}
	return nil
}

// Shutdown closes connections and stops the server.
func (c *WebSocketChannel) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
