package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/avolens/roomsync/snapshot"
)

// ErrDestroyed is returned when a join or update targets a destroyed room.
var ErrDestroyed = errors.New("room is destroyed")

// ID identifies a room by type and document.
type ID struct {
	Type       string
	DocumentID string
}

func (id ID) String() string { return id.Type + "/" + id.DocumentID }

// Sender delivers one encoded message to a client. Implementations must not
// block; slow clients drop messages rather than stall the room.
type Sender interface {
	Send(data []byte)
}

// Participant is a room-side view of a connected client.
type Participant struct {
	ClientID uuid.UUID `json:"clientId"`
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Color    string    `json:"color"`

	sender Sender
}

func NewParticipant(clientID uuid.UUID, userID, username, color string, sender Sender) *Participant {
	return &Participant{
		ClientID: clientID,
		UserID:   userID,
		Username: username,
		Color:    color,
		sender:   sender,
	}
}

// Room owns the CRDT document for one actively-edited document plus the set
// of attached participants. All document access is serialized by the room
// mutex: updates are applied strictly in the order they are delivered, never
// concurrently.
type Room struct {
	id     ID
	logger *slog.Logger

	mu                   sync.Mutex
	doc                  *automerge.Doc
	participants         map[uuid.UUID]*Participant
	version              int64
	updatesSinceSnapshot int64
	lastSnapshot         time.Time
	emptySince           time.Time
	destroyed            bool

	initOnce sync.Once
}

func newRoom(id ID, logger *slog.Logger) *Room {
	return &Room{
		id:           id,
		logger:       logger.With(slog.String("room", id.String())),
		doc:          automerge.New(),
		participants: make(map[uuid.UUID]*Participant),
		lastSnapshot: time.Now(),
		emptySince:   time.Now(),
	}
}

func (r *Room) ID() ID { return r.id }

// Initialize hydrates the document, once. Preference order: latest snapshot,
// then canonical record content, then a valid empty document. Initialization
// never fails a join; on error the room proceeds empty.
func (r *Room) Initialize(ctx context.Context, snapshots *snapshot.Manager, loader ContentLoader) {
	r.initOnce.Do(func() {
		if snapshots != nil {
			snap, err := snapshots.Latest(ctx, r.id.String())
			if err == nil {
				if doc, err := automerge.Load(snap.State); err == nil {
					r.mu.Lock()
					r.doc = doc
					r.version = snap.Version
					r.lastSnapshot = snap.CreatedAt
					r.mu.Unlock()
					r.logger.Info("room restored from snapshot", slog.Int64("version", snap.Version))
					return
				} else {
					r.logger.Warn("snapshot state unreadable, falling back", slog.Any("error", err))
				}
			} else if !errors.Is(err, snapshot.ErrNotFound) {
				r.logger.Warn("snapshot load failed, falling back", slog.Any("error", err))
			}
		}

		if loader == nil {
			return
		}
		content, err := loader.LoadContent(ctx, r.id.DocumentID)
		if err != nil {
			r.logger.Warn("canonical content load failed, starting empty", slog.Any("error", err))
			return
		}
		if content == "" {
			return
		}
		if err := r.seedContent(content); err != nil {
			r.logger.Warn("seeding canonical content failed, starting empty", slog.Any("error", err))
		}
	})
}

// seedContent writes the canonical record content into a fresh document as a
// single initial change.
func (r *Room) seedContent(content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.Path("content").Set(automerge.NewText(content)); err != nil {
		return fmt.Errorf("set initial content: %w", err)
	}
	if _, err := r.doc.Commit("initial content"); err != nil {
		return fmt.Errorf("commit initial content: %w", err)
	}
	r.logger.Info("room seeded from canonical content", slog.Int("chars", len(content)))
	return nil
}

// ApplyUpdate applies one binary CRDT update and returns the new version.
// Convergence is the CRDT library's job; this method only guarantees strict
// delivery-order application.
func (r *Room) ApplyUpdate(update []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return 0, ErrDestroyed
	}
	if err := r.doc.LoadIncremental(update); err != nil {
		return 0, fmt.Errorf("apply update: %w", err)
	}
	r.version++
	r.updatesSinceSnapshot++
	return r.version, nil
}

// AddClient attaches a participant. Fails on a destroyed room so a joiner
// racing the room's destruction can retry against a fresh instance.
func (r *Room) AddClient(p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrDestroyed
	}
	r.participants[p.ClientID] = p
	return nil
}

// RemoveClient detaches a participant. Reports the remaining count.
func (r *Room) RemoveClient(clientID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, clientID)
	if len(r.participants) == 0 {
		r.emptySince = time.Now()
	}
	return len(r.participants)
}

// ClientCount always equals the size of the participant map.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// Participants returns a copy of the current participant list.
func (r *Room) Participants() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// Broadcast sends data to every participant except exclude.
func (r *Room) Broadcast(data []byte, exclude uuid.UUID) {
	r.mu.Lock()
	targets := make([]Sender, 0, len(r.participants))
	for id, p := range r.participants {
		if id != exclude && p.sender != nil {
			targets = append(targets, p.sender)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Send(data)
	}
}

// Version returns the room's current version counter.
func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// ExportState serializes the full document and reports the version it
// represents.
func (r *Room) ExportState() ([]byte, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return nil, r.version
	}
	return r.doc.Save(), r.version
}

// NeedsSnapshot reports whether the update count or elapsed time since the
// last snapshot passed its threshold.
func (r *Room) NeedsSnapshot(maxUpdates int64, interval time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.updatesSinceSnapshot == 0 {
		return false
	}
	return r.updatesSinceSnapshot >= maxUpdates || time.Since(r.lastSnapshot) >= interval
}

// MarkSnapshot records that a snapshot at capturedVersion was persisted.
// Updates applied after the export remain counted.
func (r *Room) MarkSnapshot(capturedVersion int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSnapshot = time.Now()
	r.updatesSinceSnapshot = r.version - capturedVersion
}

// EmptyFor reports how long the room has had zero participants; zero if it
// has any.
func (r *Room) EmptyFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return 0
	}
	return time.Since(r.emptySince)
}

// destroyIfEmpty destroys the room only if no participant is attached. The
// check and the destruction share one critical section, so it can never race
// a concurrent AddClient.
func (r *Room) destroyIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.participants) > 0 {
		return false
	}
	r.destroyed = true
	r.doc = nil
	return true
}

// Destroy releases the document and clears the participant map.
func (r *Room) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destroyed = true
	r.doc = nil
	r.participants = make(map[uuid.UUID]*Participant)
}
