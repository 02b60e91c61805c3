package room

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"

	"github.com/avolens/roomsync/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testID() ID { return ID{Type: "doc", DocumentID: "123"} }

// editSource produces binary CRDT updates the way a client would: mutate a
// local document, commit, and emit the incremental change bytes.
type editSource struct {
	t   *testing.T
	doc *automerge.Doc
}

func newEditSource(t *testing.T) *editSource {
	return &editSource{t: t, doc: automerge.New()}
}

func (e *editSource) set(key, value string) []byte {
	e.t.Helper()
	if err := e.doc.Path(key).Set(value); err != nil {
		e.t.Fatalf("set %s: %v", key, err)
	}
	if _, err := e.doc.Commit("set " + key); err != nil {
		e.t.Fatalf("commit: %v", err)
	}
	return e.doc.SaveIncremental()
}

func loadedValue(t *testing.T, state []byte, key string) string {
	t.Helper()
	doc, err := automerge.Load(state)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	s, err := automerge.As[string](doc.Path(key).Get())
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return s
}

func TestRoom_StartsEmptyAtVersionZero(t *testing.T) {
	r := newRoom(testID(), testLogger())
	r.Initialize(context.Background(), nil, nil)

	if r.Version() != 0 {
		t.Errorf("version = %d, want 0", r.Version())
	}
	if r.ClientCount() != 0 {
		t.Errorf("clients = %d, want 0", r.ClientCount())
	}
}

func TestRoom_ApplyUpdateIncrementsVersion(t *testing.T) {
	r := newRoom(testID(), testLogger())
	r.Initialize(context.Background(), nil, nil)

	src := newEditSource(t)
	v, err := r.ApplyUpdate(src.set("title", "hello"))
	if err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}
	if v != 1 {
		t.Errorf("version = %d, want 1", v)
	}
	if r.updatesSinceSnapshot != 1 {
		t.Errorf("updatesSinceSnapshot = %d, want 1", r.updatesSinceSnapshot)
	}

	state, version := r.ExportState()
	if version != 1 {
		t.Errorf("exported version = %d, want 1", version)
	}
	if got := loadedValue(t, state, "title"); got != "hello" {
		t.Errorf("title = %q, want %q", got, "hello")
	}
}

func TestRoom_UpdatesApplyInDeliveryOrder(t *testing.T) {
	src := newEditSource(t)
	updates := [][]byte{
		src.set("title", "one"),
		src.set("title", "two"),
		src.set("title", "three"),
	}

	// Applied one at a time in delivery order.
	r := newRoom(testID(), testLogger())
	for _, u := range updates {
		if _, err := r.ApplyUpdate(u); err != nil {
			t.Fatalf("ApplyUpdate failed: %v", err)
		}
	}
	state, version := r.ExportState()
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}

	// Replaying the accumulated updates on a fresh document reconstructs the
	// same final state.
	replay := automerge.New()
	for _, u := range updates {
		if err := replay.LoadIncremental(u); err != nil {
			t.Fatalf("replay LoadIncremental failed: %v", err)
		}
	}
	want, err := automerge.As[string](replay.Path("title").Get())
	if err != nil {
		t.Fatal(err)
	}
	if got := loadedValue(t, state, "title"); got != want || got != "three" {
		t.Errorf("title = %q, want %q", got, "three")
	}
}

func TestRoom_MalformedUpdateRejected(t *testing.T) {
	r := newRoom(testID(), testLogger())
	if _, err := r.ApplyUpdate([]byte("not an automerge change")); err == nil {
		t.Fatal("expected error for malformed update")
	}
	if r.Version() != 0 {
		t.Errorf("version = %d, want 0 after rejected update", r.Version())
	}
}

func TestRoom_InitializeFromSnapshot(t *testing.T) {
	src := newEditSource(t)
	src.set("title", "persisted")
	state := src.doc.Save()

	store := snapshot.NewMemoryStore()
	snaps := snapshot.NewManager(store, testLogger())
	if err := snaps.Capture(context.Background(), testID().String(), state, 5); err != nil {
		t.Fatal(err)
	}

	r := newRoom(testID(), testLogger())
	r.Initialize(context.Background(), snaps, nil)

	if r.Version() != 5 {
		t.Errorf("version = %d, want 5", r.Version())
	}
	got, _ := r.ExportState()
	if v := loadedValue(t, got, "title"); v != "persisted" {
		t.Errorf("title = %q, want %q", v, "persisted")
	}
}

func TestRoom_InitializeFromCanonicalContent(t *testing.T) {
	loader := StaticContentLoader{"123": "hello world"}
	r := newRoom(testID(), testLogger())
	r.Initialize(context.Background(), nil, loader)

	state, _ := r.ExportState()
	doc, err := automerge.Load(state)
	if err != nil {
		t.Fatal(err)
	}
	s, err := automerge.As[string](doc.Path("content").Get())
	if err != nil {
		t.Fatal(err)
	}
	if s != "hello world" {
		t.Errorf("content = %q, want %q", s, "hello world")
	}
}

func TestRoom_InitializeRunsOnce(t *testing.T) {
	loader := StaticContentLoader{"123": "seed"}
	r := newRoom(testID(), testLogger())
	r.Initialize(context.Background(), nil, loader)
	r.Initialize(context.Background(), nil, StaticContentLoader{"123": "other"})

	state, _ := r.ExportState()
	doc, _ := automerge.Load(state)
	s, err := automerge.As[string](doc.Path("content").Get())
	if err != nil {
		t.Fatal(err)
	}
	if s != "seed" {
		t.Errorf("content = %q, want %q", s, "seed")
	}
}

func TestRoom_ParticipantCountMatchesMap(t *testing.T) {
	r := newRoom(testID(), testLogger())

	p1 := NewParticipant(uuid.New(), "u1", "Alice", "#fff", nil)
	p2 := NewParticipant(uuid.New(), "u2", "Bob", "#000", nil)
	r.AddClient(p1)
	r.AddClient(p2)

	if r.ClientCount() != 2 || len(r.Participants()) != 2 {
		t.Errorf("count = %d, participants = %d, want 2/2", r.ClientCount(), len(r.Participants()))
	}

	remaining := r.RemoveClient(p1.ClientID)
	if remaining != 1 || r.ClientCount() != 1 {
		t.Errorf("remaining = %d, count = %d, want 1/1", remaining, r.ClientCount())
	}
}

type captureSender struct {
	got [][]byte
}

func (c *captureSender) Send(data []byte) { c.got = append(c.got, data) }

func TestRoom_BroadcastExcludesSender(t *testing.T) {
	r := newRoom(testID(), testLogger())

	s1 := &captureSender{}
	s2 := &captureSender{}
	p1 := NewParticipant(uuid.New(), "u1", "Alice", "#fff", s1)
	p2 := NewParticipant(uuid.New(), "u2", "Bob", "#000", s2)
	r.AddClient(p1)
	r.AddClient(p2)

	r.Broadcast([]byte("hi"), p1.ClientID)

	if len(s1.got) != 0 {
		t.Errorf("sender received its own broadcast")
	}
	if len(s2.got) != 1 || string(s2.got[0]) != "hi" {
		t.Errorf("peer got %v, want one %q", s2.got, "hi")
	}
}

func TestRoom_NeedsSnapshot(t *testing.T) {
	r := newRoom(testID(), testLogger())
	src := newEditSource(t)

	if r.NeedsSnapshot(1, time.Hour) {
		t.Error("fresh room should not need a snapshot")
	}

	r.ApplyUpdate(src.set("a", "1"))
	if !r.NeedsSnapshot(1, time.Hour) {
		t.Error("update-count threshold of 1 should trigger after one update")
	}
	if r.NeedsSnapshot(100, time.Hour) {
		t.Error("below both thresholds should not trigger")
	}

	r.lastSnapshot = time.Now().Add(-2 * time.Hour)
	if !r.NeedsSnapshot(100, time.Hour) {
		t.Error("elapsed-interval threshold should trigger")
	}

	_, version := r.ExportState()
	r.MarkSnapshot(version)
	if r.NeedsSnapshot(1, time.Hour) {
		t.Error("freshly snapshotted room should not need another")
	}
}

func TestRoom_SnapshotRoundTripRestoresVersion(t *testing.T) {
	// Scenario: snapshot threshold of 1 update; one update is applied and
	// snapshotted; a recreated room restores version 1 exactly.
	store := snapshot.NewMemoryStore()
	snaps := snapshot.NewManager(store, testLogger())
	ctx := context.Background()

	r := newRoom(testID(), testLogger())
	r.Initialize(ctx, snaps, nil)
	src := newEditSource(t)
	r.ApplyUpdate(src.set("title", "v1"))

	if !r.NeedsSnapshot(1, time.Hour) {
		t.Fatal("expected snapshot to be needed")
	}
	state, version := r.ExportState()
	if err := snaps.Capture(ctx, r.ID().String(), state, version); err != nil {
		t.Fatal(err)
	}
	r.MarkSnapshot(version)
	r.Destroy()

	recreated := newRoom(testID(), testLogger())
	recreated.Initialize(ctx, snaps, nil)
	if recreated.Version() != 1 {
		t.Errorf("restored version = %d, want 1", recreated.Version())
	}
	restored, _ := recreated.ExportState()
	if got := loadedValue(t, restored, "title"); got != "v1" {
		t.Errorf("title = %q, want %q", got, "v1")
	}
}

func TestRoom_DestroyClearsParticipants(t *testing.T) {
	r := newRoom(testID(), testLogger())
	r.AddClient(NewParticipant(uuid.New(), "u1", "Alice", "#fff", nil))
	r.Destroy()

	if r.ClientCount() != 0 {
		t.Errorf("count = %d, want 0 after destroy", r.ClientCount())
	}
	if _, err := r.ApplyUpdate([]byte{1}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("ApplyUpdate error = %v, want ErrDestroyed", err)
	}
	if err := r.AddClient(NewParticipant(uuid.New(), "u2", "Bob", "#000", nil)); !errors.Is(err, ErrDestroyed) {
		t.Errorf("AddClient error = %v, want ErrDestroyed", err)
	}
}
