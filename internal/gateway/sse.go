package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// EventHub fans status updates out to SSE subscribers. Slow subscribers
// drop events rather than stalling the worker.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan types.StatusUpdate]bool
}

// NewEventHub creates the hub.
func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[chan types.StatusUpdate]bool)}
}

// Publish delivers an update to every subscriber.
func (h *EventHub) Publish(update types.StatusUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan types.StatusUpdate {
	ch := make(chan types.StatusUpdate, 64)
	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan types.StatusUpdate) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// handleEvents is the SSE endpoint carrying StatusUpdate variants.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := g.events.subscribe()
	defer g.events.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case update := <-ch:
			payload, err := json.Marshal(update)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Kind, payload)
			flusher.Flush()
		}
	}
}
