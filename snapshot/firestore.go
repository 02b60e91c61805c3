package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore keeps snapshots as per-version documents under a room
// document. Version doc ids are zero-padded so document-id ordering matches
// version ordering.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "room_snapshots",
	}
}

func (s *FirestoreStore) versions(roomID string) *firestore.CollectionRef {
	// Firestore document ids cannot contain slashes.
	id := strings.ReplaceAll(roomID, "/", "_")
	return s.client.Collection(s.collection).Doc(id).Collection("versions")
}

func zeroPad(version int64) string {
	return fmt.Sprintf("%012d", version)
}

func (s *FirestoreStore) Save(ctx context.Context, snap *Snapshot) error {
	_, err := s.versions(snap.RoomID).Doc(zeroPad(snap.Version)).Set(ctx, map[string]interface{}{
		"roomId":    snap.RoomID,
		"state":     snap.State,
		"version":   snap.Version,
		"createdAt": snap.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("write snapshot document: %w", err)
	}
	return nil
}

func (s *FirestoreStore) Latest(ctx context.Context, roomID string) (*Snapshot, error) {
	iter := s.versions(roomID).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if status.Code(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	data := doc.Data()
	state, _ := data["state"].([]byte)
	version, _ := data["version"].(int64)
	createdAt, _ := data["createdAt"].(time.Time)
	return &Snapshot{
		RoomID:    roomID,
		State:     state,
		Version:   version,
		CreatedAt: createdAt,
	}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
