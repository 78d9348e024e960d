package connector

import (
	"sync"
	"time"
)

// Turn is one user or assistant utterance in the short-term history.
type Turn struct {
	Role    string
	Content string
	At      time.Time
}

// History keeps a bounded per-session ring of recent turns used as short-term
// context for the agent runner.
type History struct {
	mu    sync.Mutex
	turns map[string][]Turn
	limit int
	now   func() time.Time
}

// NewHistory creates a history keeping at most limit turns per session.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 20
	}
	return &History{
		turns: map[string][]Turn{},
		limit: limit,
		now:   time.Now,
	}
}

// Append adds a turn, dropping the oldest when the ring is full.
func (h *History) Append(sessionID, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := append(h.turns[sessionID], Turn{Role: role, Content: content, At: h.now()})
	if len(turns) > h.limit {
		turns = turns[len(turns)-h.limit:]
	}
	h.turns[sessionID] = turns
}

// Snapshot returns a copy of the session's turns, oldest first.
func (h *History) Snapshot(sessionID string) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := h.turns[sessionID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}
