package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// testRig wires a full worker over an in-memory store and a stub
// provider.
type testRig struct {
	store    store.Store
	provider *llm.StubProvider
	worker   *Worker
	sessions *SessionManager
	gate     *ApprovalGate
	registry *tools.Registry

	mu     sync.Mutex
	events []types.StatusUpdate
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	pipeline, err := safety.New(safety.Config{MaxContentLength: 1 << 20, InjectionCheckEnabled: true})
	require.NoError(t, err)

	provider := llm.NewStubProvider("stub")
	registry := tools.NewRegistry()
	registry.MustRegister(tools.EchoTool())
	dispatcher := tools.NewDispatcher(registry, pipeline, nil, st, false)

	ws := workspace.New(st, nil, nil)
	sessions := NewSessionManager(st)
	gate := NewApprovalGate()
	monitor := NewContextMonitor(st, provider, 128000, 0.8, 4)

	rig := &testRig{
		store:    st,
		provider: provider,
		sessions: sessions,
		gate:     gate,
		registry: registry,
	}
	rig.worker = NewWorker(st, provider, nil, dispatcher, ws, pipeline, gate, sessions, monitor, 30)
	return rig
}

func (r *testRig) emit(update types.StatusUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, update)
}

func (r *testRig) eventsOf(kind types.StatusKind) []types.StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.StatusUpdate
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *testRig) startTurn(t *testing.T, input string) (*types.Session, *types.Thread, *types.Turn) {
	t.Helper()
	ctx := context.Background()
	msg := &types.IncomingMessage{
		ID: uuid.New(), ChannelName: "terminal", UserID: "alice", Content: input,
	}
	session, thread, err := r.sessions.ResolveThread(ctx, msg)
	require.NoError(t, err)
	turn := &types.Turn{ID: uuid.New(), ThreadID: thread.ID, UserInput: input, State: types.TurnInProgress}
	require.NoError(t, r.store.CreateTurn(ctx, turn))
	return session, thread, turn
}

func TestEchoTurn(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.provider.Enqueue(&llm.Response{
		Text:         "hello",
		FinishReason: llm.FinishStop,
		PromptTokens: 12, CompletionTokens: 3,
	})

	session, thread, turn := rig.startTurn(t, "hello")
	text, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	// Exactly one LLM call, no tool calls, one completed turn #0.
	assert.Equal(t, 1, rig.provider.CallCount())
	loaded, err := rig.store.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.TurnNumber)
	assert.Equal(t, types.TurnCompleted, loaded.State)
	assert.Equal(t, "hello", loaded.Response)

	actions, err := rig.store.ListActions(ctx, turn.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)

	calls, err := rig.store.ListLlmCalls(ctx, thread.ID, 0)
	require.NoError(t, err)
	assert.Len(t, calls, 1)
}

func TestTurnWithToolCall(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.provider.
		Enqueue(&llm.Response{
			FinishReason: llm.FinishToolUse,
			ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "echo", Params: map[string]any{"text": "ping"}}},
		}).
		Enqueue(&llm.Response{Text: "done: ping", FinishReason: llm.FinishStop})

	session, thread, turn := rig.startTurn(t, "echo ping")
	text, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
	require.NoError(t, err)
	assert.Equal(t, "done: ping", text)

	actions, err := rig.store.ListActions(ctx, turn.ID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "echo", actions[0].ToolName)
	assert.Equal(t, "ping", actions[0].Result)

	assert.Len(t, rig.eventsOf(types.StatusToolStarted), 1)
	assert.Len(t, rig.eventsOf(types.StatusToolCompleted), 1)
}

func TestGatedToolApprovalFlow(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// A tool that demands approval.
	rig.registry.MustRegister(&tools.Tool{
		Name:             "dangerous",
		Description:      "needs consent",
		RequiresApproval: true,
		SkipSanitization: true,
		Execute: func(context.Context, map[string]any, *tools.JobContext) (string, error) {
			return "did it", nil
		},
	})

	rig.provider.
		Enqueue(&llm.Response{
			FinishReason: llm.FinishToolUse,
			ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "dangerous", Params: map[string]any{}}},
		}).
		Enqueue(&llm.Response{Text: "all done", FinishReason: llm.FinishStop})

	session, thread, turn := rig.startTurn(t, "run the dangerous thing")

	done := make(chan error, 1)
	var finalText string
	go func() {
		text, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
		finalText = text
		done <- err
	}()

	// Exactly one ApprovalNeeded must surface, with the thread waiting.
	require.Eventually(t, func() bool {
		if _, ok := rig.gate.Pending(thread.ID); !ok {
			return false
		}
		loaded, err := rig.store.GetThread(ctx, thread.ID)
		return err == nil && loaded.State == types.ThreadWaitingApproval
	}, 2*time.Second, 10*time.Millisecond)

	// "always" approves and whitelists.
	require.True(t, rig.gate.Resolve(thread.ID, types.ApprovalAlways))
	require.NoError(t, <-done)
	assert.Equal(t, "all done", finalText)
	assert.Len(t, rig.eventsOf(types.StatusApprovalNeeded), 1)

	reloaded, err := rig.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.AutoApprovedTools["dangerous"], "always must persist the tool")

	// A second turn with the same tool proceeds without the gate.
	rig.provider.
		Enqueue(&llm.Response{
			FinishReason: llm.FinishToolUse,
			ToolCalls:    []llm.ToolCall{{ID: "c2", Name: "dangerous", Params: map[string]any{}}},
		}).
		Enqueue(&llm.Response{Text: "again", FinishReason: llm.FinishStop})

	turn2 := &types.Turn{ID: uuid.New(), ThreadID: thread.ID, UserInput: "again", State: types.TurnInProgress}
	require.NoError(t, rig.store.CreateTurn(ctx, turn2))
	text, err := rig.worker.RunTurn(ctx, session, thread, turn2, rig.emit)
	require.NoError(t, err)
	assert.Equal(t, "again", text)
	assert.Len(t, rig.eventsOf(types.StatusApprovalNeeded), 1, "no second approval prompt")
}

func TestDeniedToolAbortsTurn(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.registry.MustRegister(&tools.Tool{
		Name:             "guarded",
		Description:      "needs consent",
		RequiresApproval: true,
		SkipSanitization: true,
		Execute: func(context.Context, map[string]any, *tools.JobContext) (string, error) {
			t.Fatal("denied tool must not execute")
			return "", nil
		},
	})

	rig.provider.Enqueue(&llm.Response{
		FinishReason: llm.FinishToolUse,
		ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "guarded", Params: map[string]any{}}},
	})

	session, thread, turn := rig.startTurn(t, "try the guarded tool")
	done := make(chan error, 1)
	var finalText string
	go func() {
		text, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
		finalText = text
		done <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := rig.gate.Pending(thread.ID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, rig.gate.Resolve(thread.ID, types.ApprovalDeny))
	require.NoError(t, <-done)

	// Denial is not an error, but it aborts the turn: no further LLM
	// calls, thread back to idle, turn interrupted with the reason.
	assert.Contains(t, finalText, "denied")
	assert.Equal(t, 1, rig.provider.CallCount(), "no LLM call after denial")

	loaded, err := rig.store.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnInterrupted, loaded.State)

	reloaded, err := rig.store.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ThreadIdle, reloaded.State, "deny transitions WaitingApproval -> Idle")
}

func TestIterationLimitFailsTurn(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// The model asks for varying echo calls forever.
	for i := 0; i < 40; i++ {
		rig.provider.Enqueue(&llm.Response{
			FinishReason: llm.FinishToolUse,
			ToolCalls: []llm.ToolCall{{
				ID: "c", Name: "echo",
				Params: map[string]any{"text": string(rune('a' + i%26)), "i": float64(i)},
			}},
		})
	}

	session, thread, turn := rig.startTurn(t, "loop forever")
	_, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IterationLimit")

	loaded, err := rig.store.GetTurn(ctx, turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnFailed, loaded.State)
}

func TestToolLoopDetector(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// Identical signature repeated until the detector trips.
	for i := 0; i < 5; i++ {
		rig.provider.Enqueue(&llm.Response{
			FinishReason: llm.FinishToolUse,
			ToolCalls:    []llm.ToolCall{{ID: "c", Name: "echo", Params: map[string]any{"text": "same"}}},
		})
	}

	session, thread, turn := rig.startTurn(t, "repeat yourself")
	_, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool loop")
}

func TestInterruptMarksTurnInterrupted(t *testing.T) {
	rig := newTestRig(t)

	rig.registry.MustRegister(&tools.Tool{
		Name:             "slow",
		Description:      "sleeps",
		SkipSanitization: true,
		Execute: func(ctx context.Context, _ map[string]any, _ *tools.JobContext) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	rig.provider.Enqueue(&llm.Response{
		FinishReason: llm.FinishToolUse,
		ToolCalls:    []llm.ToolCall{{ID: "c", Name: "slow", Params: map[string]any{}}},
	})

	session, thread, turn := rig.startTurn(t, "do the slow thing")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rig.worker.RunTurn(ctx, session, thread, turn, rig.emit)
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	loaded, err := rig.store.GetTurn(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TurnInterrupted, loaded.State)
}
