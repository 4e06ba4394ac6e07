package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"

	// SessionEnded is terminal. The session object is retained for audit;
	// only its status changes.
	SessionEnded SessionStatus = "ended"
)

// Session owns the per-session ephemeral task/message log (tier L1) and the
// per-session token budgets for L1/L2 content.
//
// Lifecycle: ACTIVE <-> PAUSED via Pause/Resume; ACTIVE or PAUSED -> ENDED
// via End. End is idempotent; every other mutation on an ended session
// returns an OperationError.
type Session struct {
	ID        string
	CreatedAt time.Time

	// L1Budget and L2Budget cap the tokens this session may contribute to
	// the ephemeral and working tiers.
	L1Budget int
	L2Budget int

	mu      sync.Mutex
	status  SessionStatus
	endedAt time.Time
	log     []*MemoryEntry
}

// NewSession creates an active session. An empty id gets a fresh UUID.
func NewSession(id string, l1Budget, l2Budget int) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	return &Session{
		ID:        id,
		CreatedAt: time.Now(),
		L1Budget:  l1Budget,
		L2Budget:  l2Budget,
		status:    SessionActive,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AddTask appends a record to the session's ordered L1 log. The entry is
// tagged with the session and forced to tier L1.
func (s *Session) AddTask(entry *MemoryEntry) error {
	if entry == nil {
		return NewOperationError("invalid_entry", "nil entry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == SessionEnded {
		return NewOperationError("session_ended", "cannot add task to ended session "+s.ID)
	}

	entry.Tier = TierL1Ephemeral
	entry.TagSession(s.ID)
	s.log = append(s.log, entry)
	return nil
}

// Log returns a copy of the ordered L1 log.
func (s *Session) Log() []*MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MemoryEntry, len(s.log))
	copy(out, s.log)
	return out
}

// RecentLog returns the most recent n log entries in insertion order.
// Out-of-range values silently clip to the valid subset.
func (s *Session) RecentLog(n int) []*MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(s.log) {
		n = len(s.log)
	}
	out := make([]*MemoryEntry, n)
	copy(out, s.log[len(s.log)-n:])
	return out
}

// Pause moves an active session to PAUSED.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case SessionEnded:
		return NewOperationError("session_ended", "cannot pause ended session "+s.ID)
	case SessionPaused:
		return nil
	}
	s.status = SessionPaused
	return nil
}

// Resume moves a paused session back to ACTIVE.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case SessionEnded:
		return NewOperationError("session_ended", "cannot resume ended session "+s.ID)
	case SessionActive:
		return nil
	}
	s.status = SessionActive
	return nil
}

// End moves the session to its terminal state. Calling End on an already
// ended session is a no-op, never an error.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == SessionEnded {
		return
	}
	s.status = SessionEnded
	s.endedAt = time.Now()
}

// EndedAt returns when the session ended, zero if still live.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}
