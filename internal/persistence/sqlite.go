package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/TexteaInc/y-socket.io/internal/crdt"
	"github.com/TexteaInc/y-socket.io/internal/domain"
)

// Sqlite stores one snapshot per room in a local database file.
type Sqlite struct {
	db *sql.DB
}

func NewSqlite(path string) (*Sqlite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_name TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("module", "persistence.sqlite").Str("path", path).Msg("database initialized")
	return &Sqlite{db: db}, nil
}

func (s *Sqlite) Close() error {
	return s.db.Close()
}

func (s *Sqlite) BindState(ctx context.Context, room domain.RoomName, doc Document) error {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot_data FROM room_snapshots WHERE room_name = ?",
		string(room),
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bind state for %q: %w", room, err)
	}
	if err := doc.Apply(snapshot, crdt.Local); err != nil {
		return fmt.Errorf("bind state for %q: %w", room, err)
	}
	return nil
}

func (s *Sqlite) WriteState(ctx context.Context, room domain.RoomName, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_name, snapshot_data, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_name) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			updated_at = CURRENT_TIMESTAMP
	`, string(room), doc.Save())
	if err != nil {
		return fmt.Errorf("write state for %q: %w", room, err)
	}
	return nil
}
