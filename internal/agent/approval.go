package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/types"
)

// pendingApproval pairs the record with its resolution channel.
type pendingApproval struct {
	record types.PendingApproval
	ch     chan types.ApprovalDecision
}

// ApprovalGate holds at most one pending approval per thread. A second
// concurrent request for the same thread is a logic error and panics in
// development builds; here it returns an error.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pendingApproval
}

// NewApprovalGate creates the gate.
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{pending: make(map[uuid.UUID]*pendingApproval)}
}

// Request registers a pending approval and returns the record plus the
// wait channel.
func (g *ApprovalGate) Request(threadID uuid.UUID, toolName string, params map[string]any) (*types.PendingApproval, <-chan types.ApprovalDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.pending[threadID]; exists {
		return nil, nil, fmt.Errorf("approval already pending for thread %s", threadID)
	}
	p := &pendingApproval{
		record: types.PendingApproval{
			RequestID: uuid.New(),
			ThreadID:  threadID,
			ToolName:  toolName,
			Params:    params,
			CreatedAt: time.Now().UTC(),
		},
		ch: make(chan types.ApprovalDecision, 1),
	}
	g.pending[threadID] = p
	return &p.record, p.ch, nil
}

// Resolve delivers the user's decision and destroys the record.
func (g *ApprovalGate) Resolve(threadID uuid.UUID, decision types.ApprovalDecision) bool {
	g.mu.Lock()
	p, ok := g.pending[threadID]
	if ok {
		delete(g.pending, threadID)
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- decision
	return true
}

// Cancel destroys the record on interrupt; the waiting worker observes
// its context instead.
func (g *ApprovalGate) Cancel(threadID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, threadID)
}

// Pending returns the thread's pending record, if any.
func (g *ApprovalGate) Pending(threadID uuid.UUID) (*types.PendingApproval, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[threadID]
	if !ok {
		return nil, false
	}
	record := p.record
	return &record, true
}

// Await blocks until the decision arrives or ctx is cancelled. The gate
// is the only suspension with unbounded wall-clock time; it must stay
// cancellation-responsive.
func Await(ctx context.Context, ch <-chan types.ApprovalDecision) (types.ApprovalDecision, error) {
	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
