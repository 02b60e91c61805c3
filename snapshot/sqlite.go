package snapshot

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps snapshots in a local database table. Rows are insert-only;
// the latest snapshot per room wins on load, so a write in progress can never
// damage an earlier successful snapshot.
type SQLiteStore struct {
	db   *sql.DB
	once sync.Once
	err  error
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// ensureTable creates the snapshots table lazily on first use. A concurrent
// creator racing us is fine; "already exists" is not an error.
func (s *SQLiteStore) ensureTable(ctx context.Context) error {
	s.once.Do(func() {
		_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			s.err = err
			return
		}
		_, err = s.db.ExecContext(ctx,
			`CREATE INDEX IF NOT EXISTS idx_snapshots_room ON snapshots (room_id, version)`)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			s.err = err
		}
	})
	return s.err
}

func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	if err := s.ensureTable(ctx); err != nil {
		return fmt.Errorf("ensure snapshots table: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (room_id, state, version, created_at) VALUES (?, ?, ?, ?)`,
		snap.RoomID,
		base64.StdEncoding.EncodeToString(snap.State),
		snap.Version,
		snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Latest(ctx context.Context, roomID string) (*Snapshot, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure snapshots table: %w", err)
	}
	snap := &Snapshot{RoomID: roomID}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version, created_at FROM snapshots
		 WHERE room_id = ? ORDER BY version DESC, id DESC LIMIT 1`,
		roomID,
	).Scan(&raw, &snap.Version, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	snap.State, err = base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot state: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
