package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned by Store.Latest when a room has no snapshot.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is an immutable persisted capture of a room's document state.
// Snapshots are superseded by newer ones, never mutated.
type Snapshot struct {
	RoomID    string
	State     []byte // opaque serialized CRDT state
	Version   int64
	CreatedAt time.Time
}

// Store persists snapshots. Implementations must not corrupt a previously
// successful snapshot when a concurrent read overlaps a write.
type Store interface {
	Save(ctx context.Context, snap *Snapshot) error
	Latest(ctx context.Context, roomID string) (*Snapshot, error)
	Close() error
}

// Manager decides serialization and delegates persistence to a Store.
type Manager struct {
	store  Store
	logger *slog.Logger
}

func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With(slog.String("component", "snapshot_manager")),
	}
}

// Capture persists the given serialized document state for a room.
func (m *Manager) Capture(ctx context.Context, roomID string, state []byte, version int64) error {
	snap := &Snapshot{
		RoomID:    roomID,
		State:     state,
		Version:   version,
		CreatedAt: time.Now(),
	}
	if err := m.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot for room %q: %w", roomID, err)
	}
	m.logger.Debug("snapshot saved",
		slog.String("roomID", roomID),
		slog.Int64("version", version),
		slog.Int("bytes", len(state)),
	)
	return nil
}

// Latest returns the most recent valid snapshot for a room, or ErrNotFound.
func (m *Manager) Latest(ctx context.Context, roomID string) (*Snapshot, error) {
	return m.store.Latest(ctx, roomID)
}

func (m *Manager) Close() error {
	return m.store.Close()
}
