package snapshot

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store. It keeps every snapshot per room so
// tests can assert on supersede behavior.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string][]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string][]*Snapshot)}
}

func (s *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy the state so callers reusing buffers cannot mutate a stored snapshot.
	stored := &Snapshot{
		RoomID:    snap.RoomID,
		State:     append([]byte(nil), snap.State...),
		Version:   snap.Version,
		CreatedAt: snap.CreatedAt,
	}
	s.snaps[snap.RoomID] = append(s.snaps[snap.RoomID], stored)
	return nil
}

func (s *MemoryStore) Latest(_ context.Context, roomID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.snaps[roomID]
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	latest := all[0]
	for _, snap := range all[1:] {
		if snap.Version >= latest.Version {
			latest = snap
		}
	}
	return latest, nil
}

// Count returns how many snapshots exist for a room.
func (s *MemoryStore) Count(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps[roomID])
}

func (s *MemoryStore) Close() error { return nil }
