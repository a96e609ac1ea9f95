package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

func TestApprovalGateSinglePendingPerThread(t *testing.T) {
	g := NewApprovalGate()
	threadID := uuid.New()

	record, _, err := g.Request(threadID, "shell", map[string]any{"cmd": "ls"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, record.RequestID)

	// A second pending approval on the same thread is a logic error.
	_, _, err = g.Request(threadID, "shell", nil)
	assert.Error(t, err)
}

func TestApprovalGateResolve(t *testing.T) {
	g := NewApprovalGate()
	threadID := uuid.New()

	_, ch, err := g.Request(threadID, "shell", nil)
	require.NoError(t, err)

	go g.Resolve(threadID, types.ApprovalApprove)
	decision, err := Await(context.Background(), ch)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApprove, decision)

	// The record is destroyed on resolution.
	_, pending := g.Pending(threadID)
	assert.False(t, pending)
	assert.False(t, g.Resolve(threadID, types.ApprovalDeny))
}

func TestApprovalGateAwaitCancellation(t *testing.T) {
	g := NewApprovalGate()
	threadID := uuid.New()
	_, ch, err := g.Request(threadID, "shell", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Await(ctx, ch)
	assert.Error(t, err, "the gate must stay cancellation-responsive")
}

func TestUndoRedo(t *testing.T) {
	m := NewUndoManager()
	a, b := uuid.New(), uuid.New()
	m.Push(a)
	m.Push(b)

	id, ok := m.Undo()
	require.True(t, ok)
	assert.Equal(t, b, id)

	id, ok = m.Redo()
	require.True(t, ok)
	assert.Equal(t, b, id)

	// A fresh commit clears the redo stack.
	m.Undo()
	m.Push(uuid.New())
	_, ok = m.Redo()
	assert.False(t, ok)

	m.Clear()
	_, ok = m.Undo()
	assert.False(t, ok)
}
