package snapshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore keeps one snapshot file per room under a dedicated directory.
// Writes go to a temp file first and are renamed into place, so a reader can
// never observe a half-written snapshot.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

type fileSnapshot struct {
	RoomID    string    `json:"roomId"`
	State     string    `json:"state"` // base64
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *FileStore) path(roomID string) string {
	// Room ids contain a type segment ("doc/123"); keep filenames flat.
	name := strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(roomID)
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create snapshots directory: %w", err)
	}

	data, err := json.Marshal(fileSnapshot{
		RoomID:    snap.RoomID,
		State:     base64.StdEncoding.EncodeToString(snap.State),
		Version:   snap.Version,
		CreatedAt: snap.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	target := s.path(snap.RoomID)
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Latest(ctx context.Context, roomID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(roomID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var fs fileSnapshot
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	state, err := base64.StdEncoding.DecodeString(fs.State)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	return &Snapshot{
		RoomID:    roomID,
		State:     state,
		Version:   fs.Version,
		CreatedAt: fs.CreatedAt,
	}, nil
}

func (s *FileStore) Close() error { return nil }
