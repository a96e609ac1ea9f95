package channels

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// fakeChannel is a scriptable channel for manager tests.
type fakeChannel struct {
	name      string
	stream    chan types.IncomingMessage
	responses []types.OutgoingResponse
	statuses  []types.StatusUpdate
	failSends int
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, stream: make(chan types.IncomingMessage, 8)}
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Start(ctx context.Context) (<-chan types.IncomingMessage, error) {
	go func() {
		<-ctx.Done()
		close(f.stream)
	}()
	return f.stream, nil
}
func (f *fakeChannel) Respond(_ *types.IncomingMessage, resp types.OutgoingResponse) error {
	if f.failSends > 0 {
		f.failSends--
		return types.ErrChannelSend
	}
	f.responses = append(f.responses, resp)
	return nil
}
func (f *fakeChannel) SendStatus(update types.StatusUpdate) error {
	f.statuses = append(f.statuses, update)
	return nil
}
func (f *fakeChannel) HealthCheck(context.Context) error { return nil }
func (f *fakeChannel) Shutdown(context.Context) error    { return nil }

func TestManagerMergesStreams(t *testing.T) {
	m := NewManager()
	a := newFakeChannel("a")
	b := newFakeChannel("b")
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	merged, err := m.Start(ctx)
	require.NoError(t, err)

	a.stream <- types.IncomingMessage{ID: uuid.New(), Content: "from a"}
	b.stream <- types.IncomingMessage{ID: uuid.New(), Content: "from b"}

	seen := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-merged:
			seen[msg.Content] = msg.ChannelName
		case <-time.After(time.Second):
			t.Fatal("merged stream starved")
		}
	}
	assert.Equal(t, "a", seen["from a"], "channel name must be stamped on merge")
	assert.Equal(t, "b", seen["from b"])
}

func TestManagerRoutesResponseToOriginChannel(t *testing.T) {
	m := NewManager()
	a := newFakeChannel("a")
	b := newFakeChannel("b")
	require.NoError(t, m.Register(a))
	require.NoError(t, m.Register(b))

	msg := &types.IncomingMessage{ID: uuid.New(), ChannelName: "b"}
	m.Respond(msg, types.OutgoingResponse{Content: "reply"})
	assert.Empty(t, a.responses)
	require.Len(t, b.responses, 1)
	assert.Equal(t, "reply", b.responses[0].Content)
}

func TestManagerRetriesDelivery(t *testing.T) {
	m := NewManager()
	a := newFakeChannel("a")
	a.failSends = 2
	require.NoError(t, m.Register(a))

	msg := &types.IncomingMessage{ID: uuid.New(), ChannelName: "a"}
	m.Respond(msg, types.OutgoingResponse{Content: "eventually"})
	require.Len(t, a.responses, 1, "delivery must retry past transient failures")
}

func TestManagerDedupesThinkingStatus(t *testing.T) {
	m := NewManager()
	a := newFakeChannel("a")
	require.NoError(t, m.Register(a))

	threadID := uuid.New()
	update := types.Thinking(threadID, "pondering")
	m.SendStatus("a", update)
	m.SendStatus("a", update)
	m.SendStatus("a", types.Thinking(threadID, "new thought"))

	assert.Len(t, a.statuses, 2, "consecutive identical thinking updates collapse")
}

func TestManagerRejectsDuplicateChannel(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Register(newFakeChannel("dup")))
	err := m.Register(newFakeChannel("dup"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "dup"))
}
