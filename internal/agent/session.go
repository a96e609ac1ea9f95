package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/danielsimonjr/ironclaw/internal/logging"
	"github.com/danielsimonjr/ironclaw/internal/store"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// SessionManager maps (user, channel, external thread) to internal
// threads with double-checked insertion so two concurrent first messages
// cannot create duplicates.
type SessionManager struct {
	store store.SessionStore

	mu      sync.RWMutex
	threads map[string]uuid.UUID // routing key -> thread id
	undo    map[uuid.UUID]*UndoManager
}

// NewSessionManager builds the manager over the persistence port.
func NewSessionManager(st store.SessionStore) *SessionManager {
	return &SessionManager{
		store:   st,
		threads: make(map[string]uuid.UUID),
		undo:    make(map[uuid.UUID]*UndoManager),
	}
}

func routingKey(userID, channel, externalThreadID string) string {
	return userID + "\x00" + channel + "\x00" + externalThreadID
}

// ResolveThread finds or creates the thread for an incoming message,
// creating the session on a user's first message.
func (m *SessionManager) ResolveThread(ctx context.Context, msg *types.IncomingMessage) (*types.Session, *types.Thread, error) {
	key := routingKey(msg.UserID, msg.ChannelName, msg.ExternalThreadID)

	m.mu.RLock()
	threadID, ok := m.threads[key]
	m.mu.RUnlock()
	if ok {
		return m.loadPair(ctx, msg.UserID, threadID)
	}

	// The write lock is held across creation: the store round-trips are
	// cheap and holding it is what makes the double-check sound.
	m.mu.Lock()
	defer m.mu.Unlock()
	if threadID, ok := m.threads[key]; ok {
		return m.loadPair(ctx, msg.UserID, threadID)
	}

	session, err := m.store.GetSessionByUser(ctx, msg.UserID)
	if errors.Is(err, types.ErrNotFound) {
		session = nil
		err = nil
	}
	if err != nil {
		return nil, nil, err
	}

	thread := &types.Thread{
		ID:     uuid.New(),
		UserID: msg.UserID,
		State:  types.ThreadIdle,
		Title:  firstLine(msg.Content, 60),
	}

	if session == nil {
		session = &types.Session{
			ID:                uuid.New(),
			UserID:            msg.UserID,
			ActiveThreadID:    thread.ID,
			AutoApprovedTools: map[string]bool{},
		}
		thread.SessionID = session.ID
		if err := m.store.CreateSession(ctx, session); err != nil {
			return nil, nil, err
		}
		if err := m.store.CreateThread(ctx, thread); err != nil {
			return nil, nil, err
		}
		logging.Agent("created session %s for user %s", session.ID, msg.UserID)
	} else {
		thread.SessionID = session.ID
		if err := m.store.CreateThread(ctx, thread); err != nil {
			return nil, nil, err
		}
		if err := m.store.UpdateSessionActiveThread(ctx, session.ID, thread.ID); err != nil {
			return nil, nil, err
		}
		session.ActiveThreadID = thread.ID
	}

	m.threads[key] = thread.ID
	m.undo[thread.ID] = NewUndoManager()
	return session, thread, nil
}

func (m *SessionManager) loadPair(ctx context.Context, userID string, threadID uuid.UUID) (*types.Session, *types.Thread, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, nil, err
	}
	session, err := m.store.GetSession(ctx, thread.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, thread, nil
}

// Undo returns the thread's undo manager, creating it lazily for threads
// loaded from persistence.
func (m *SessionManager) Undo(threadID uuid.UUID) *UndoManager {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.undo[threadID]
	if !ok {
		u = NewUndoManager()
		m.undo[threadID] = u
	}
	return u
}

// AutoApprove adds a tool to the session's auto-approved set and
// persists it.
func (m *SessionManager) AutoApprove(ctx context.Context, session *types.Session, tool string) error {
	if session.AutoApprovedTools == nil {
		session.AutoApprovedTools = map[string]bool{}
	}
	session.AutoApprovedTools[tool] = true
	return m.store.UpdateSessionAutoApproved(ctx, session.ID, session.AutoApprovedTools)
}

// EvictIdle drops in-memory routing entries for sessions the pruning
// task removed; persisted threads remain loadable.
func (m *SessionManager) EvictIdle(threadIDs []uuid.UUID) {
	drop := make(map[uuid.UUID]bool, len(threadIDs))
	for _, id := range threadIDs {
		drop[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, id := range m.threads {
		if drop[id] {
			delete(m.threads, key)
			delete(m.undo, id)
		}
	}
}

func firstLine(s string, max int) string {
	if idx := len(s); idx > 0 {
		for i, r := range s {
			if r == '\n' {
				s = s[:i]
				break
			}
		}
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// NewThread creates a fresh thread in an existing session and makes it
// active.
func (m *SessionManager) NewThread(ctx context.Context, session *types.Session, key string) (*types.Thread, error) {
	thread := &types.Thread{
		ID:        uuid.New(),
		SessionID: session.ID,
		UserID:    session.UserID,
		State:     types.ThreadIdle,
	}
	if err := m.store.CreateThread(ctx, thread); err != nil {
		return nil, err
	}
	if err := m.store.UpdateSessionActiveThread(ctx, session.ID, thread.ID); err != nil {
		return nil, err
	}
	session.ActiveThreadID = thread.ID

	m.mu.Lock()
	m.threads[key] = thread.ID
	m.undo[thread.ID] = NewUndoManager()
	m.mu.Unlock()
	return thread, nil
}

// SwitchThread re-points a routing key at an existing thread in the same
// session.
func (m *SessionManager) SwitchThread(ctx context.Context, session *types.Session, key string, threadID uuid.UUID) (*types.Thread, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.SessionID != session.ID {
		return nil, fmt.Errorf("%w: thread belongs to another session", types.ErrNotAuthorized)
	}
	if err := m.store.UpdateSessionActiveThread(ctx, session.ID, threadID); err != nil {
		return nil, err
	}
	session.ActiveThreadID = threadID

	m.mu.Lock()
	m.threads[key] = threadID
	m.mu.Unlock()
	return thread, nil
}
