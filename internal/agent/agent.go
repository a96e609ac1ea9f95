package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/llm"
	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// Responder is the slice of the channel manager the agent needs: deliver
// a response to the originating channel and stream status events to it.
type Responder interface {
	Respond(msg *types.IncomingMessage, resp types.OutgoingResponse)
	SendStatus(channelName string, update types.StatusUpdate)
	Broadcast(userID string, resp types.OutgoingResponse)
}

// Agent is the runtime core: it consumes the merged channel stream,
// classifies submissions, serializes turns per thread, and dispatches
// workers through the scheduler.
type Agent struct {
	store     store.Store
	sessions  *SessionManager
	gate      *ApprovalGate
	scheduler *Scheduler
	worker    *Worker
	responder Responder

	mu      sync.Mutex
	pending map[uuid.UUID][]*types.IncomingMessage // queued inputs per thread
}

// New wires the agent. All collaborators are injected.
func New(st store.Store, sessions *SessionManager, gate *ApprovalGate,
	scheduler *Scheduler, worker *Worker, responder Responder) *Agent {
	return &Agent{
		store:     st,
		sessions:  sessions,
		gate:      gate,
		scheduler: scheduler,
		worker:    worker,
		responder: responder,
		pending:   make(map[uuid.UUID][]*types.IncomingMessage),
	}
}

// Gate exposes the approval gate (the gateway resolves approvals by
// request id through it).
func (a *Agent) Gate() *ApprovalGate { return a.gate }

// Sessions exposes the session manager.
func (a *Agent) Sessions() *SessionManager { return a.sessions }

// HandleMessage processes one incoming message to completion of its
// routing decision; worker execution continues asynchronously.
func (a *Agent) HandleMessage(ctx context.Context, msg *types.IncomingMessage) {
	msg.ReceivedNow()
	session, thread, err := a.sessions.ResolveThread(ctx, msg)
	if err != nil {
		logging.Get(logging.CategoryAgent).Error("resolve thread: %v", err)
		a.responder.Respond(msg, types.OutgoingResponse{
			Content: "Something went wrong routing your message.", IsError: true,
		})
		return
	}
	if err := a.store.TouchSession(ctx, session.ID); err != nil {
		logging.AgentDebug("touch session: %v", err)
	}

	_, waiting := a.gate.Pending(thread.ID)
	sub := ParseSubmission(msg.Content, waiting)
	logging.AgentDebug("submission %s on thread %s", sub.Kind, thread.ID)

	switch sub.Kind {
	case SubmissionApproval:
		if !a.gate.Resolve(thread.ID, sub.Decision) {
			// Gate vanished between parse and resolve; treat as input.
			a.enqueueTurn(ctx, session, thread, msg, sub.Text)
		}
	case SubmissionUserInput:
		a.enqueueTurn(ctx, session, thread, msg, sub.Text)
	case SubmissionInterrupt:
		a.interrupt(thread.ID)
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Stopped.", ThreadID: thread.ID})
	case SubmissionUndo:
		a.handleUndo(msg, thread)
	case SubmissionRedo:
		a.handleRedo(msg, thread)
	case SubmissionCompact:
		if err := a.worker.monitor.Compact(ctx, thread.ID); err != nil {
			a.responder.Respond(msg, types.OutgoingResponse{Content: "Compaction failed.", IsError: true, ThreadID: thread.ID})
			return
		}
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Context compacted.", ThreadID: thread.ID})
	case SubmissionNewThread:
		key := routingKey(msg.UserID, msg.ChannelName, msg.ExternalThreadID)
		if _, err := a.sessions.NewThread(ctx, session, key); err != nil {
			a.responder.Respond(msg, types.OutgoingResponse{Content: "Could not create thread.", IsError: true})
			return
		}
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Started a new thread."})
	case SubmissionSwitchThread:
		a.handleSwitch(ctx, session, msg, sub.Args)
	case SubmissionCommand:
		a.handleCommand(ctx, msg, thread, sub)
	case SubmissionHeartbeat:
		// Empty input; nothing to do.
	case SubmissionQuit:
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Goodbye."})
	}
}

// enqueueTurn serializes turns within a thread: if a worker is active the
// input queues FIFO and starts when the thread returns to idle.
func (a *Agent) enqueueTurn(ctx context.Context, session *types.Session, thread *types.Thread,
	msg *types.IncomingMessage, text string) {
	a.mu.Lock()
	if a.scheduler.Running(thread.ID) || len(a.pending[thread.ID]) > 0 {
		queued := *msg
		queued.Content = text
		a.pending[thread.ID] = append(a.pending[thread.ID], &queued)
		a.mu.Unlock()
		logging.AgentDebug("queued input on busy thread %s", thread.ID)
		return
	}
	a.mu.Unlock()
	a.startTurn(ctx, session, thread, msg, text)
}

func (a *Agent) startTurn(ctx context.Context, session *types.Session, thread *types.Thread,
	msg *types.IncomingMessage, text string) {
	turn := &types.Turn{
		ID:        uuid.New(),
		ThreadID:  thread.ID,
		UserInput: text,
		State:     types.TurnInProgress,
	}
	if err := a.store.CreateTurn(ctx, turn); err != nil {
		logging.Get(logging.CategoryAgent).Error("create turn: %v", err)
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Could not start your request.", IsError: true})
		return
	}
	if err := a.store.UpdateThreadState(ctx, thread.ID, types.ThreadProcessing); err != nil {
		logging.AgentDebug("thread state: %v", err)
	}

	emit := func(update types.StatusUpdate) {
		a.responder.SendStatus(msg.ChannelName, update)
	}

	submitted := a.scheduler.Submit(Task{
		Key: thread.ID,
		Run: func(runCtx context.Context) {
			text, err := a.worker.RunTurn(runCtx, session, thread, turn, emit)
			if err != nil {
				a.responder.Respond(msg, types.OutgoingResponse{
					Content: userFacing(err), IsError: true, ThreadID: thread.ID,
				})
			} else {
				a.responder.Respond(msg, types.OutgoingResponse{Content: text, ThreadID: thread.ID})
			}
			a.drainQueue(session, thread)
		},
	})
	if !submitted {
		logging.Get(logging.CategoryAgent).Warn("scheduler refused turn for thread %s", thread.ID)
	}
}

// drainQueue starts the next queued input after a turn finishes.
func (a *Agent) drainQueue(session *types.Session, thread *types.Thread) {
	a.mu.Lock()
	queue := a.pending[thread.ID]
	if len(queue) == 0 {
		delete(a.pending, thread.ID)
		a.mu.Unlock()
		return
	}
	next := queue[0]
	a.pending[thread.ID] = queue[1:]
	a.mu.Unlock()
	a.startTurn(context.Background(), session, thread, next, next.Content)
}

func (a *Agent) interrupt(threadID uuid.UUID) {
	a.gate.Cancel(threadID)
	a.scheduler.Cancel(threadID)
	a.mu.Lock()
	delete(a.pending, threadID)
	a.mu.Unlock()
}

func (a *Agent) handleUndo(msg *types.IncomingMessage, thread *types.Thread) {
	if id, ok := a.sessions.Undo(thread.ID).Undo(); ok {
		a.responder.Respond(msg, types.OutgoingResponse{
			Content: fmt.Sprintf("Undid turn %s.", id), ThreadID: thread.ID,
		})
		return
	}
	a.responder.Respond(msg, types.OutgoingResponse{Content: "Nothing to undo.", ThreadID: thread.ID})
}

func (a *Agent) handleRedo(msg *types.IncomingMessage, thread *types.Thread) {
	if id, ok := a.sessions.Undo(thread.ID).Redo(); ok {
		a.responder.Respond(msg, types.OutgoingResponse{
			Content: fmt.Sprintf("Redid turn %s.", id), ThreadID: thread.ID,
		})
		return
	}
	a.responder.Respond(msg, types.OutgoingResponse{Content: "Nothing to redo.", ThreadID: thread.ID})
}

func (a *Agent) handleSwitch(ctx context.Context, session *types.Session, msg *types.IncomingMessage, arg string) {
	threadID, err := uuid.Parse(strings.TrimSpace(arg))
	if err != nil {
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Usage: /switch <thread-id>", IsError: true})
		return
	}
	key := routingKey(msg.UserID, msg.ChannelName, msg.ExternalThreadID)
	if _, err := a.sessions.SwitchThread(ctx, session, key, threadID); err != nil {
		a.responder.Respond(msg, types.OutgoingResponse{Content: "Could not switch thread.", IsError: true})
		return
	}
	a.responder.Respond(msg, types.OutgoingResponse{Content: "Switched thread.", ThreadID: threadID})
}

func (a *Agent) handleCommand(ctx context.Context, msg *types.IncomingMessage, thread *types.Thread, sub Submission) {
	switch sub.Command {
	case "ping":
		a.responder.Respond(msg, types.OutgoingResponse{Content: "pong"})
	case "tools":
		names := a.worker.dispatcher.Registry().Names()
		a.responder.Respond(msg, types.OutgoingResponse{Content: strings.Join(names, "\n")})
	case "help":
		a.responder.Respond(msg, types.OutgoingResponse{Content: helpText})
	case "model":
		a.responder.Respond(msg, types.OutgoingResponse{Content: a.worker.provider.Name()})
	case "debug":
		active, queued := a.scheduler.Load()
		undoDepth, redoDepth := a.sessions.Undo(thread.ID).Depths()
		a.responder.Respond(msg, types.OutgoingResponse{Content: fmt.Sprintf(
			"thread=%s state=%s workers=%d queued=%d undo=%d redo=%d",
			thread.ID, thread.State, active, queued, undoDepth, redoDepth)})
	}
}

const helpText = `Commands:
/help          show this help
/tools         list available tools
/model         show the active model
/ping          liveness check
/debug         runtime state for this thread
/undo, /redo   move through turn history
/stop          interrupt the current turn
/compact       summarize older turns
/new           start a new thread
/switch <id>   switch to another thread`

// userFacing renders an error for channel delivery: short reason, no
// internals.
func userFacing(err error) string {
	msg := err.Error()
	if idx := strings.IndexByte(msg, '\n'); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return "Request failed: " + msg
}

// RunJobTurn executes a job's description as a single system-prompted
// turn in a dedicated thread; used by routines and delegated jobs.
func (a *Agent) RunJobTurn(ctx context.Context, job *types.Job, emit StatusEmitter) error {
	if err := a.store.UpdateJobState(ctx, job.ID, types.JobInProgress); err != nil {
		return err
	}
	started := time.Now()
	snapshot := &types.EstimationSnapshot{
		ID:    uuid.New(),
		JobID: job.ID,
		// Rough prior; calibration happens against recorded actuals.
		EstimatedCostUSD: 0.01,
		EstimatedSecs:    60,
	}
	if err := a.store.SaveEstimation(ctx, snapshot); err != nil {
		logging.AgentDebug("estimation snapshot: %v", err)
	}
	defer func() {
		elapsed := int64(time.Since(started).Seconds())
		if err := a.store.UpdateEstimationActuals(ctx, job.ID, 0, elapsed); err != nil {
			logging.AgentDebug("estimation actuals: %v", err)
		}
	}()

	msg := &types.IncomingMessage{
		ID:          uuid.New(),
		ChannelName: "system",
		UserID:      job.UserID,
		Content:     job.Description,
		// Jobs get isolated threads.
		ExternalThreadID: "job:" + job.ID.String(),
	}
	msg.ReceivedNow()

	session, thread, err := a.sessions.ResolveThread(ctx, msg)
	if err != nil {
		return err
	}
	turn := &types.Turn{
		ID:        uuid.New(),
		ThreadID:  thread.ID,
		UserInput: job.Description,
		State:     types.TurnInProgress,
	}
	if err := a.store.CreateTurn(ctx, turn); err != nil {
		return err
	}
	if emit == nil {
		emit = func(types.StatusUpdate) {}
	}

	_, err = a.worker.RunTurn(ctx, session, thread, turn, emit)
	if err != nil {
		if serr := a.store.SetJobFailure(ctx, job.ID, shortReason(err)); serr != nil {
			logging.AgentDebug("job failure reason: %v", serr)
		}
		if serr := a.store.UpdateJobState(ctx, job.ID, types.JobFailed); serr != nil {
			logging.AgentDebug("job state: %v", serr)
		}
		return err
	}
	return a.store.UpdateJobState(ctx, job.ID, types.JobCompleted)
}

// SubmitJob implements tools.JobSubmitter: the job runs through the
// scheduler under its own key.
func (a *Agent) SubmitJob(ctx context.Context, job *types.Job) error {
	ok := a.scheduler.Submit(Task{
		Key: job.ID,
		Run: func(runCtx context.Context) {
			if err := a.RunJobTurn(runCtx, job, nil); err != nil {
				logging.Get(logging.CategoryAgent).Warn("job %s failed: %v", job.ID, err)
			}
		},
	})
	if !ok {
		return fmt.Errorf("scheduler rejected job %s", job.ID)
	}
	return nil
}

// CancelJob implements tools.JobSubmitter.
func (a *Agent) CancelJob(jobID uuid.UUID) bool {
	return a.scheduler.Cancel(jobID)
}

// Provider exposes the worker's LLM handle for status output.
func (a *Agent) Provider() llm.Provider { return a.worker.provider }

// Broadcast pushes a response over every broadcast-capable channel.
func (a *Agent) Broadcast(userID string, resp types.OutgoingResponse) {
	a.responder.Broadcast(userID, resp)
}
