package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/safety"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/tools"
	"github.com/danielsimonjr/ironclaw/internal/types"
	"github.com/danielsimonjr/ironclaw/internal/workspace"
)

// loopDetectThreshold aborts a turn after this many identical
// consecutive tool-call signatures.
const loopDetectThreshold = 3

// StatusEmitter delivers streaming status events to the originating
// channel.
type StatusEmitter func(update types.StatusUpdate)

// Worker runs the reasoning-action loop for one turn at a time.
type Worker struct {
	store      store.Store
	provider   llm.Provider
	pricingFor func(providerName string) llm.Pricing
	dispatcher *tools.Dispatcher
	workspace  *workspace.Workspace
	pipeline   *safety.Pipeline
	gate       *ApprovalGate
	sessions   *SessionManager
	monitor    *ContextMonitor

	maxIterations int
	historyTail   int
}

// NewWorker wires the loop. Every collaborator is injected; nothing is
// reached through ambient globals.
func NewWorker(st store.Store, provider llm.Provider, pricingFor func(string) llm.Pricing,
	dispatcher *tools.Dispatcher, ws *workspace.Workspace, pipeline *safety.Pipeline,
	gate *ApprovalGate, sessions *SessionManager, monitor *ContextMonitor, maxIterations int) *Worker {
	if maxIterations <= 0 {
		maxIterations = 30
	}
	if pricingFor == nil {
		pricingFor = func(string) llm.Pricing { return provider.Pricing() }
	}
	return &Worker{
		store:         st,
		provider:      provider,
		pricingFor:    pricingFor,
		dispatcher:    dispatcher,
		workspace:     ws,
		pipeline:      pipeline,
		gate:          gate,
		sessions:      sessions,
		monitor:       monitor,
		maxIterations: maxIterations,
		historyTail:   20,
	}
}

// RunTurn executes one turn to completion, failure, or interruption.
// The final response text is returned for delivery.
func (w *Worker) RunTurn(ctx context.Context, session *types.Session, thread *types.Thread,
	turn *types.Turn, emit StatusEmitter) (string, error) {
	timer := logging.StartTimer(logging.CategoryWorker, fmt.Sprintf("turn %d thread %s", turn.TurnNumber, thread.ID))
	defer timer.Stop()

	messages, err := w.buildContext(ctx, session.UserID, thread, turn)
	if err != nil {
		return "", w.failTurn(ctx, thread, turn, fmt.Sprintf("context build: %v", err))
	}

	schemas := w.toolSchemas()
	chainID := w.lastResponseID(ctx, thread.ID)

	var (
		lastSignature string
		signatureRuns int
		turnCost      float64
	)

	for iteration := 0; iteration < w.maxIterations; iteration++ {
		if ctx.Err() != nil {
			return "", w.interruptTurn(ctx, thread, turn)
		}

		req := &llm.Request{
			Messages:           messages,
			Tools:              schemas,
			ToolChoice:         llm.ToolChoiceAuto,
			PreviousResponseID: chainID,
		}
		callStart := time.Now()
		resp, err := w.provider.CompleteWithTools(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return "", w.interruptTurn(ctx, thread, turn)
			}
			return "", w.failTurn(ctx, thread, turn, shortReason(err))
		}
		chainID = resp.ResponseID

		callCost := w.pricingFor(resp.Provider).Cost(resp)
		turnCost += callCost
		turn.PromptTokens += resp.PromptTokens
		turn.CompletionTokens += resp.CompletionTokens
		w.recordCall(ctx, session.UserID, thread.ID, turn.ID, resp, callCost, time.Since(callStart))

		if len(resp.ToolCalls) == 0 {
			if resp.FinishReason == llm.FinishStop || resp.FinishReason == llm.FinishLength {
				return w.commitTurn(ctx, thread, turn, resp.Text, turnCost)
			}
			return "", w.failTurn(ctx, thread, turn, fmt.Sprintf("unexpected finish: %s", resp.FinishReason))
		}

		if resp.Text != "" {
			emit(types.Thinking(thread.ID, resp.Text))
		}

		// Tool calls execute in response order; one failure does not
		// short-circuit the rest.
		for _, call := range resp.ToolCalls {
			sig := callSignature(call)
			if sig == lastSignature {
				signatureRuns++
			} else {
				lastSignature, signatureRuns = sig, 1
			}
			if signatureRuns >= loopDetectThreshold {
				return "", w.failTurn(ctx, thread, turn,
					fmt.Sprintf("tool loop detected: %s repeated %d times", call.Name, signatureRuns))
			}

			toolMsg, err := w.runToolCall(ctx, session, thread, turn, call, emit)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return "", w.interruptTurn(ctx, thread, turn)
				}
				if errors.Is(err, errDenied) {
					// Denial aborts the turn: WaitingApproval -> Idle.
					// Not an error; the denial is the turn's outcome.
					return w.denyTurn(ctx, thread, turn, call.Name)
				}
				// Tool errors are reported to the model; the turn
				// continues.
				messages = append(messages, llm.Message{
					Role: llm.RoleTool, ToolName: call.Name, ToolCallID: call.ID,
					Content: "Tool failed: " + shortReason(err),
				})
				continue
			}
			messages = append(messages, toolMsg)
		}
	}

	return "", w.failTurn(ctx, thread, turn, "IterationLimit")
}

// errDenied marks an approval denial; not an error for the turn.
var errDenied = errors.New("tool call denied")

// runToolCall passes one call through the approval gate and dispatch.
func (w *Worker) runToolCall(ctx context.Context, session *types.Session, thread *types.Thread,
	turn *types.Turn, call llm.ToolCall, emit StatusEmitter) (llm.Message, error) {
	tool := w.dispatcher.Registry().Get(call.Name)
	if tool != nil && tool.RequiresApproval && !session.AutoApprovedTools[call.Name] {
		decision, err := w.awaitApproval(ctx, thread, call, emit)
		if err != nil {
			return llm.Message{}, err
		}
		switch decision {
		case types.ApprovalDeny:
			return llm.Message{}, errDenied
		case types.ApprovalAlways:
			if err := w.sessions.AutoApprove(ctx, session, call.Name); err != nil {
				logging.Get(logging.CategoryWorker).Warn("auto-approve persist: %v", err)
			}
		}
	}

	emit(types.ToolStarted(thread.ID, call.Name))
	jc := &tools.JobContext{
		UserID:   session.UserID,
		ThreadID: thread.ID,
		Invoke: func(ctx context.Context, name string, params map[string]any) (string, error) {
			// Nested invocations re-enter the gate; no bypass path.
			nested := llm.ToolCall{ID: "nested", Name: name, Params: params}
			msg, err := w.runToolCall(ctx, session, thread, turn, nested, emit)
			if err != nil {
				return "", err
			}
			return msg.Content, nil
		},
	}
	result, verdictIn, verdictOut := w.dispatcher.Execute(ctx, call.Name, call.Params, jc)
	emit(types.ToolCompleted(thread.ID, call.Name, result.IsSuccess()))

	action := &types.Action{
		ID:         uuid.New(),
		TurnID:     turn.ID,
		ToolName:   call.Name,
		Params:     call.Params,
		Result:     result.Output,
		Duration:   result.Duration,
		CostUSD:    result.CostUSD,
		VerdictIn:  verdictIn,
		VerdictOut: verdictOut,
	}
	if result.Err != nil {
		action.Error = result.Err.Error()
	}
	if err := w.store.CreateAction(ctx, action); err != nil {
		logging.Get(logging.CategoryWorker).Warn("action record: %v", err)
	}

	if result.Err != nil {
		return llm.Message{}, result.Err
	}
	emit(types.ToolResultPreview(thread.ID, call.Name, preview(result.Output, 160)))
	return llm.Message{
		Role:       llm.RoleTool,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Content:    result.Output,
	}, nil
}

// awaitApproval suspends the worker at the gate.
func (w *Worker) awaitApproval(ctx context.Context, thread *types.Thread, call llm.ToolCall, emit StatusEmitter) (types.ApprovalDecision, error) {
	record, ch, err := w.gate.Request(thread.ID, call.Name, call.Params)
	if err != nil {
		return "", err
	}
	if err := w.store.UpdateThreadState(ctx, thread.ID, types.ThreadWaitingApproval); err != nil {
		logging.Get(logging.CategoryWorker).Warn("thread state: %v", err)
	}
	emit(types.ApprovalNeeded(thread.ID, record.RequestID, call.Name, w.dispatcher.PreviewParams(call.Params)))

	decision, err := Await(ctx, ch)
	if err != nil {
		w.gate.Cancel(thread.ID)
		return "", err
	}

	// Approve/always resume processing; deny goes to idle (the caller
	// ends the turn). Interrupts transition the thread separately.
	next := types.ThreadProcessing
	if decision == types.ApprovalDeny {
		next = types.ThreadIdle
	}
	if serr := w.store.UpdateThreadState(ctx, thread.ID, next); serr != nil {
		logging.Get(logging.CategoryWorker).Warn("thread state: %v", serr)
	}
	return decision, nil
}

// buildContext assembles the system prompt and message history.
func (w *Worker) buildContext(ctx context.Context, userID string, thread *types.Thread, turn *types.Turn) ([]llm.Message, error) {
	var system strings.Builder
	system.WriteString("You are IronClaw, a personal AI assistant with tools and a persistent memory workspace.\n")

	for _, path := range workspace.IdentityFiles {
		doc, err := w.workspace.ReadIdentity(ctx, userID, path)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			return nil, err
		}
		fmt.Fprintf(&system, "\n--- %s ---\n%s\n", path, doc.Content)
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system.String()}}

	turns, err := w.store.ListTurns(ctx, thread.ID, 0)
	if err != nil {
		return nil, err
	}
	if w.monitor != nil && w.monitor.NeedsCompaction(turns) {
		if err := w.monitor.Compact(ctx, thread.ID); err != nil {
			logging.Get(logging.CategoryWorker).Warn("compaction: %v", err)
		} else if turns, err = w.store.ListTurns(ctx, thread.ID, 0); err != nil {
			return nil, err
		}
	}

	start := 0
	if len(turns) > w.historyTail {
		start = len(turns) - w.historyTail
	}
	for _, t := range turns[start:] {
		if t.ID == turn.ID {
			continue
		}
		if t.State != types.TurnCompleted {
			continue
		}
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: t.UserInput},
			llm.Message{Role: llm.RoleAssistant, Content: t.Response})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.UserInput})
	return messages, nil
}

func (w *Worker) toolSchemas() []llm.ToolSchema {
	all := w.dispatcher.Registry().All()
	schemas := make([]llm.ToolSchema, len(all))
	for i, t := range all {
		schemas[i] = llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema.JSONSchema(),
		}
	}
	return schemas
}

// lastResponseID restores the response chain across restarts.
func (w *Worker) lastResponseID(ctx context.Context, threadID uuid.UUID) string {
	calls, err := w.store.ListLlmCalls(ctx, threadID, 0)
	if err != nil || len(calls) == 0 {
		return ""
	}
	return calls[len(calls)-1].ResponseID
}

func (w *Worker) recordCall(ctx context.Context, userID string, threadID, turnID uuid.UUID,
	resp *llm.Response, cost float64, duration time.Duration) {
	rec := &types.LlmCallRecord{
		ID:               uuid.New(),
		UserID:           userID,
		ThreadID:         threadID,
		TurnID:           turnID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          cost,
		DurationMs:       duration.Milliseconds(),
		FinishReason:     string(resp.FinishReason),
		ResponseID:       resp.ResponseID,
	}
	if err := w.store.RecordLlmCall(ctx, rec); err != nil {
		logging.Get(logging.CategoryWorker).Warn("llm call record: %v", err)
	}
}

// commitTurn finalizes a successful turn after the outbound safety scan.
func (w *Worker) commitTurn(ctx context.Context, thread *types.Thread, turn *types.Turn,
	text string, cost float64) (string, error) {
	out := w.pipeline.Process(text, safety.Outbound)
	finalText := out.Content

	actions, err := w.store.ListActions(ctx, turn.ID)
	if err == nil {
		for _, a := range actions {
			cost += a.CostUSD
		}
	}

	turn.Response = finalText
	turn.State = types.TurnCompleted
	turn.CostUSD = cost
	if err := w.store.CompleteTurn(ctx, turn); err != nil {
		return "", err
	}
	if err := w.store.UpdateThreadState(ctx, thread.ID, types.ThreadIdle); err != nil {
		logging.Get(logging.CategoryWorker).Warn("thread state: %v", err)
	}
	w.sessions.Undo(thread.ID).Push(turn.ID)
	return finalText, nil
}

// denyTurn ends a turn whose gated tool call the user refused. The
// thread is already idle (awaitApproval set it); the denial is recorded
// as the turn's response and delivered as a normal message.
func (w *Worker) denyTurn(ctx context.Context, thread *types.Thread, turn *types.Turn, toolName string) (string, error) {
	turn.State = types.TurnInterrupted
	turn.Response = "Tool call denied: " + toolName + ". Stopped here."
	if err := w.store.CompleteTurn(ctx, turn); err != nil {
		logging.Get(logging.CategoryWorker).Warn("deny turn persist: %v", err)
	}
	return turn.Response, nil
}

func (w *Worker) failTurn(ctx context.Context, thread *types.Thread, turn *types.Turn, reason string) error {
	turn.State = types.TurnFailed
	turn.Response = "Request failed: " + reason
	if err := w.store.CompleteTurn(ctx, turn); err != nil {
		logging.Get(logging.CategoryWorker).Warn("fail turn persist: %v", err)
	}
	if err := w.store.UpdateThreadState(ctx, thread.ID, types.ThreadIdle); err != nil {
		logging.Get(logging.CategoryWorker).Warn("thread state: %v", err)
	}
	return fmt.Errorf("turn failed: %s", reason)
}

func (w *Worker) interruptTurn(ctx context.Context, thread *types.Thread, turn *types.Turn) error {
	// The worker's context is gone; persist with a fresh one.
	base := context.Background()
	turn.State = types.TurnInterrupted
	if err := w.store.CompleteTurn(base, turn); err != nil {
		logging.Get(logging.CategoryWorker).Warn("interrupt persist: %v", err)
	}
	if err := w.store.UpdateThreadState(base, thread.ID, types.ThreadStopped); err != nil {
		logging.Get(logging.CategoryWorker).Warn("thread state: %v", err)
	}
	w.gate.Cancel(thread.ID)
	return context.Canceled
}

func callSignature(call llm.ToolCall) string {
	params, _ := json.Marshal(call.Params)
	return call.Name + ":" + string(params)
}

func preview(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "…"
	}
	return s
}

func shortReason(err error) string {
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
