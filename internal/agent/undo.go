package agent

import (
	"sync"

	"github.com/google/uuid"
)

// UndoManager tracks the ordered stack of committed turns for one
// thread. Undo moves a turn to the redo stack without deleting anything;
// the persisted history is untouched.
type UndoManager struct {
	mu   sync.Mutex
	undo []uuid.UUID
	redo []uuid.UUID
}

// NewUndoManager creates an empty manager.
func NewUndoManager() *UndoManager {
	return &UndoManager{}
}

// Push records a committed turn. A new commit clears the redo stack.
func (m *UndoManager) Push(turnID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = append(m.undo, turnID)
	m.redo = m.redo[:0]
}

// Undo moves the newest committed turn to the redo stack and returns it.
func (m *UndoManager) Undo() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.undo) == 0 {
		return uuid.Nil, false
	}
	id := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, id)
	return id, true
}

// Redo pops the redo stack back onto the undo stack.
func (m *UndoManager) Redo() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.redo) == 0 {
		return uuid.Nil, false
	}
	id := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.undo = append(m.undo, id)
	return id, true
}

// Clear empties both stacks.
func (m *UndoManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = m.undo[:0]
	m.redo = m.redo[:0]
}

// Depths reports the stack sizes.
func (m *UndoManager) Depths() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}
