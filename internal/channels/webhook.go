package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// WebhookChannel accepts messages over HTTP POST and delivers responses
// to a per-message callback URL (or holds them for polling when no
// callback is given).
type WebhookChannel struct {
	userID string
	addr   string
	server *http.Server
	client *http.Client

	mu     sync.Mutex
	stream chan types.IncomingMessage
	// callbacks maps message id -> callback URL.
	callbacks map[uuid.UUID]string
	// held keeps responses for callback-less messages until polled.
	held map[uuid.UUID]types.OutgoingResponse
}

// NewWebhookChannel creates the channel listening on addr.
func NewWebhookChannel(userID, addr string) *WebhookChannel {
	return &WebhookChannel{
		userID:    userID,
		addr:      addr,
		client:    &http.Client{Timeout: 15 * time.Second},
		callbacks: make(map[uuid.UUID]string),
		held:      make(map[uuid.UUID]types.OutgoingResponse),
	}
}

// Name identifies the channel.
func (c *WebhookChannel) Name() string { return "webhook" }

// Start serves the webhook endpoint.
func (c *WebhookChannel) Start(ctx context.Context) (<-chan types.IncomingMessage, error) {
	c.stream = make(chan types.IncomingMessage, 32)

	r := mux.NewRouter()
	r.HandleFunc("/hook", c.handleInbound).Methods(http.MethodPost)
	r.HandleFunc("/hook/{id}/response", c.handlePoll).Methods(http.MethodGet)

	c.server = &http.Server{Addr: c.addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
		close(c.stream)
	}()

	select {
	case err := <-errCh:
		return nil, err
	case <-time.After(50 * time.Millisecond):
		return c.stream, nil
	}
}

func (c *WebhookChannel) handleInbound(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content     string `json:"content"`
		ThreadID    string `json:"thread_id"`
		CallbackURL string `json:"callback_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg := types.IncomingMessage{
		ID:               uuid.New(),
		UserID:           c.userID,
		Content:          body.Content,
		ExternalThreadID: body.ThreadID,
		ReceivedAt:       time.Now().UTC(),
	}
	if body.CallbackURL != "" {
		c.mu.Lock()
		c.callbacks[msg.ID] = body.CallbackURL
		c.mu.Unlock()
	}
	select {
	case c.stream <- msg:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"message_id": msg.ID.String()})
	default:
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}
}

func (c *WebhookChannel) handlePoll(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "bad id", http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	resp, ok := c.held[id]
	if ok {
		delete(c.held, id)
	}
	c.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"content": resp.Content, "error": resp.IsError})
}

// Respond posts to the callback URL when one was given; otherwise holds
// the response for polling.
func (c *WebhookChannel) Respond(msg *types.IncomingMessage, resp types.OutgoingResponse) error {
	c.mu.Lock()
	callback, ok := c.callbacks[msg.ID]
	if ok {
		delete(c.callbacks, msg.ID)
	} else {
		c.held[msg.ID] = resp
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(map[string]any{"content": resp.Content, "error": resp.IsError})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, callback, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	httpResp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrChannelSend, err)
	}
	httpResp.Body.Close()
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("%w: callback returned %d", types.ErrChannelSend, httpResp.StatusCode)
	}
	return nil
}

// SendStatus is a no-op for webhooks; callers poll or use the gateway's
// SSE stream for progress.
func (c *WebhookChannel) SendStatus(types.StatusUpdate) error { return nil }

// HealthCheck reports whether the server is up.
func (c *WebhookChannel) HealthCheck(context.Context) error {
	if c.server == nil {
		return types.ErrChannelStartup
	}
	return nil
}

// Shutdown stops the HTTP server.
func (c *WebhookChannel) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}
