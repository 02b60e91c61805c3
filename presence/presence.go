package presence

import (
	"hash/fnv"
	"sync"
)

var colors = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}

// Cursor is the last known cursor position and selection of a user.
type Cursor struct {
	Position  int    `json:"position"`
	Selection [2]int `json:"selection"`
}

// Presence is ephemeral per-user metadata, keyed by user id (not per
// connection). It is never persisted.
type Presence struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
	Cursor   Cursor `json:"cursor"`
}

// Tracker maps connected users to their presence, independent of rooms.
type Tracker struct {
	mu    sync.RWMutex
	users map[string]*Presence
}

func NewTracker() *Tracker {
	return &Tracker{users: make(map[string]*Presence)}
}

// Add creates presence for a user on their first connection, or returns the
// existing entry. The display color is deterministic per user id.
func (t *Tracker) Add(userID, username string) *Presence {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.users[userID]; ok {
		return p
	}
	p := &Presence{
		UserID:   userID,
		Username: username,
		Color:    colorFor(userID),
	}
	t.users[userID] = p
	return p
}

// UpdateCursor records the last known cursor state. A no-op for unknown users.
func (t *Tracker) UpdateCursor(userID string, position int, selection [2]int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.users[userID]
	if !ok {
		return
	}
	p.Cursor = Cursor{Position: position, Selection: selection}
}

// Remove deletes a user's presence. The caller decides when the user's last
// connection has closed.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.users, userID)
}

func (t *Tracker) Get(userID string) (*Presence, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.users[userID]
	return p, ok
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.users)
}

func colorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return colors[h.Sum32()%uint32(len(colors))]
}
