// Package channels defines the channel port and the manager that merges
// every channel's message stream into one fan-in and routes responses and
// status events back to the originating channel.
package channels

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// Channel is one message source/sink.
type Channel interface {
	// Name identifies the channel; responses route by this name.
	Name() string

	// Start begins producing messages on the returned stream. The
	// channel owns the goroutine; it stops when ctx is cancelled.
	Start(ctx context.Context) (<-chan types.IncomingMessage, error)

	// Respond delivers a response correlated to an incoming message.
	Respond(msg *types.IncomingMessage, resp types.OutgoingResponse) error

	// SendStatus streams an intermediate status event.
	SendStatus(update types.StatusUpdate) error

	// HealthCheck verifies the channel is operational.
	HealthCheck(ctx context.Context) error

	// Shutdown releases resources.
	Shutdown(ctx context.Context) error
}

// Broadcaster is optionally implemented by channels that can push
// messages without a correlated incoming message.
type Broadcaster interface {
	Broadcast(userID string, resp types.OutgoingResponse) error
}

// fanInBuffer bounds the merged stream; back-pressure blocks the
// producing channel rather than growing without bound.
const fanInBuffer = 256

// deliveryRetries and deliveryBackoff govern response delivery.
const deliveryRetries = 3

var deliveryBackoff = 500 * time.Millisecond

// Manager owns every registered channel.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel

	// lastStatus dedupes consecutive identical Thinking updates per
	// thread.
	lastStatus map[string]string

	merged chan types.IncomingMessage
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		channels:   make(map[string]Channel),
		lastStatus: make(map[string]string),
		merged:     make(chan types.IncomingMessage, fanInBuffer),
	}
}

// Register adds a channel before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[ch.Name()]; exists {
		return fmt.Errorf("%w: duplicate channel %s", types.ErrChannelStartup, ch.Name())
	}
	m.channels[ch.Name()] = ch
	return nil
}

// Start launches every channel and merges their streams. The returned
// channel closes when all channels stop.
func (m *Manager) Start(ctx context.Context) (<-chan types.IncomingMessage, error) {
	m.mu.RLock()
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range chans {
		stream, err := ch.Start(gctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", types.ErrChannelStartup, ch.Name(), err)
		}
		name := ch.Name()
		g.Go(func() error {
			for msg := range stream {
				msg.ChannelName = name
				select {
				case m.merged <- msg:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
		logging.Channel("channel started: %s", name)
	}

	go func() {
		_ = g.Wait()
		close(m.merged)
	}()
	return m.merged, nil
}

// Respond routes a response to the channel named by the originating
// message, retrying transient failures with backoff before surfacing the
// error to logs.
func (m *Manager) Respond(msg *types.IncomingMessage, resp types.OutgoingResponse) {
	ch := m.get(msg.ChannelName)
	if ch == nil {
		logging.Get(logging.CategoryChannel).Error("no channel %q for response", msg.ChannelName)
		return
	}
	var err error
	for attempt := 0; attempt < deliveryRetries; attempt++ {
		if err = ch.Respond(msg, resp); err == nil {
			return
		}
		time.Sleep(deliveryBackoff * time.Duration(attempt+1))
	}
	logging.Get(logging.CategoryChannel).Error("delivery to %s failed after %d attempts: %v",
		msg.ChannelName, deliveryRetries, err)
}

// SendStatus routes a status event to the named channel, synchronously
// with the worker iteration. Consecutive identical Thinking updates for
// the same thread are elided.
func (m *Manager) SendStatus(channelName string, update types.StatusUpdate) {
	ch := m.get(channelName)
	if ch == nil {
		return
	}
	if update.Kind == types.StatusThinking {
		key := channelName + "/" + update.ThreadID.String()
		m.mu.Lock()
		if m.lastStatus[key] == update.Text {
			m.mu.Unlock()
			return
		}
		m.lastStatus[key] = update.Text
		m.mu.Unlock()
	}
	if err := ch.SendStatus(update); err != nil {
		logging.Get(logging.CategoryChannel).Debug("status to %s: %v", channelName, err)
	}
}

// Broadcast pushes a response on every channel that supports it.
func (m *Manager) Broadcast(userID string, resp types.OutgoingResponse) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if b, ok := ch.(Broadcaster); ok {
			if err := b.Broadcast(userID, resp); err != nil {
				logging.Get(logging.CategoryChannel).Debug("broadcast to %s: %v", name, err)
			}
		}
	}
}

// Shutdown stops every channel.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Shutdown(ctx); err != nil {
			logging.Get(logging.CategoryChannel).Warn("shutdown %s: %v", name, err)
		}
	}
}

// Health probes every channel.
func (m *Manager) Health(ctx context.Context) map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.HealthCheck(ctx)
	}
	return out
}

func (m *Manager) get(name string) Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[name]
}
