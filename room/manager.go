package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avolens/roomsync/snapshot"
)

// CapacityError reports that the manager is at its configured room maximum.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("room capacity exceeded (max %d)", e.Limit)
}

// Manager creates, retrieves and destroys rooms, bounded by a maximum count.
type Manager struct {
	logger    *slog.Logger
	max       int
	snapshots *snapshot.Manager // nil when snapshotting is disabled
	loader    ContentLoader     // nil when no records collaborator is wired

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewManager(max int, snapshots *snapshot.Manager, loader ContentLoader, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger.With(slog.String("component", "room_manager")),
		max:       max,
		snapshots: snapshots,
		loader:    loader,
		rooms:     make(map[string]*Room),
	}
}

// GetOrCreate returns the live room for id, creating and initializing it on
// first join. Initialization runs outside the manager lock; concurrent
// joiners share the same one-time initialization.
func (m *Manager) GetOrCreate(ctx context.Context, id ID) (*Room, error) {
	m.mu.Lock()
	r, ok := m.rooms[id.String()]
	if !ok {
		if len(m.rooms) >= m.max {
			m.mu.Unlock()
			return nil, &CapacityError{Limit: m.max}
		}
		r = newRoom(id, m.logger)
		m.rooms[id.String()] = r
		m.logger.Info("room created", slog.String("roomID", id.String()), slog.Int("rooms", len(m.rooms)))
	}
	m.mu.Unlock()

	r.Initialize(ctx, m.snapshots, m.loader)
	return r, nil
}

// Get returns the room for id if it is live.
func (m *Manager) Get(id ID) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id.String()]
	return r, ok
}

// Destroy removes and finalizes a room. Only valid at zero participants.
func (m *Manager) Destroy(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[id.String()]
	if !ok {
		return nil
	}
	if !r.destroyIfEmpty() {
		return fmt.Errorf("room %q still has participants", id.String())
	}
	delete(m.rooms, id.String())
	m.logger.Info("room destroyed", slog.String("roomID", id.String()))
	return nil
}

// Rooms returns all live rooms.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

func (m *Manager) Max() int { return m.max }

// ReapIdle destroys rooms that have had zero participants for longer than
// idleTimeout, bounding memory even if a crash path skipped cleanup.
func (m *Manager) ReapIdle(idleTimeout time.Duration) int {
	reaped := 0
	for _, r := range m.Rooms() {
		if empty := r.EmptyFor(); empty > 0 && empty >= idleTimeout {
			if err := m.Destroy(r.ID()); err == nil {
				reaped++
			}
		}
	}
	if reaped > 0 {
		m.logger.Info("idle rooms reclaimed", slog.Int("count", reaped))
	}
	return reaped
}

// RunReaper reclaims idle rooms periodically until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, idleTimeout time.Duration) {
	interval := idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ReapIdle(idleTimeout)
		case <-ctx.Done():
			return
		}
	}
}
