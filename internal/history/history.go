// Package history persists a local log of finished calls so the device can
// show recents without asking the backend.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Record is one finished call. ConnectedAt is nil for calls that never got
// past negotiation.
type Record struct {
	ID          string
	SessionID   string
	PeerID      string
	Direction   Direction
	Kind        string
	Outcome     string
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     time.Time
}

type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	peer_id      TEXT NOT NULL,
	direction    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	started_at   INTEGER NOT NULL,
	connected_at INTEGER,
	ended_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_history_ended_at ON call_history (ended_at DESC);
`

// Open creates the database file (and its directory) if needed and applies
// the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// One writer keeps SQLite lock contention out of the picture.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add stores one finished call. A missing ID is filled in.
func (s *Store) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SessionID == "" {
		return errors.New("history: record missing session id")
	}

	var connectedAt sql.NullInt64
	if rec.ConnectedAt != nil {
		connectedAt = sql.NullInt64{Int64: rec.ConnectedAt.UnixMilli(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_history
			(id, session_id, peer_id, direction, kind, outcome, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.PeerID, string(rec.Direction), rec.Kind, rec.Outcome,
		rec.StartedAt.UnixMilli(), connectedAt, rec.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: insert record: %w", err)
	}
	return nil
}

// Recent returns up to limit calls, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, peer_id, direction, kind, outcome, started_at, connected_at, ended_at
		FROM call_history
		ORDER BY ended_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recents: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec                 Record
			direction           string
			started, ended      int64
			connected           sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.PeerID, &direction, &rec.Kind, &rec.Outcome, &started, &connected, &ended); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		rec.Direction = Direction(direction)
		rec.StartedAt = time.UnixMilli(started)
		rec.EndedAt = time.UnixMilli(ended)
		if connected.Valid {
			t := time.UnixMilli(connected.Int64)
			rec.ConnectedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
