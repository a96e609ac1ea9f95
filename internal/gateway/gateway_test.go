package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, constantTimeEqual("secret-token", "secret-token"))
	assert.False(t, constantTimeEqual("secret-token", "secret-tokeX"))
	assert.False(t, constantTimeEqual("short", "secret-token"))
	assert.False(t, constantTimeEqual("secret-token-longer", "secret-token"))
	assert.False(t, constantTimeEqual("", "secret-token"))
}

func TestEventHubDropsWhenSlow(t *testing.T) {
	h := NewEventHub()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Flood beyond the buffer; Publish must never block.
	for i := 0; i < 200; i++ {
		h.Publish(types.StatusUpdate{Kind: types.StatusThinking, Text: "x"})
	}
	assert.LessOrEqual(t, len(ch), 64)
}
