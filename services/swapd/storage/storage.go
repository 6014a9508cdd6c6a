// Package storage persists swap sessions for swapd in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"htlcswap/native/coordinator"
)

// Storage wraps the swapd session database. It implements coordinator.Store.
type Storage struct {
	db *sql.DB
}

var _ coordinator.Store = (*Storage)(nil)

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("swapd storage path must be configured")

// Open initialises the backing store using sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

// SaveSession upserts the session record.
func (s *Storage) SaveSession(ctx context.Context, session *coordinator.Session) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO swap_sessions(id, order_hash, phase, terminal, payload, created_at, updated_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            phase=excluded.phase,
            terminal=excluded.terminal,
            payload=excluded.payload,
            updated_at=excluded.updated_at
    `, session.ID, session.OrderHash, session.Phase.String(), session.Phase.Terminal(), string(payload),
		session.CreatedAt, time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Storage) GetSession(ctx context.Context, id string) (*coordinator.Session, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM swap_sessions WHERE id = ?`, strings.TrimSpace(id))
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, coordinator.ErrSessionNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	return decodeSession(payload)
}

// ListSessions returns sessions ordered by creation time.
func (s *Storage) ListSessions(ctx context.Context, active bool) ([]*coordinator.Session, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `SELECT payload FROM swap_sessions ORDER BY created_at, id`
	if active {
		query = `SELECT payload FROM swap_sessions WHERE terminal = 0 ORDER BY created_at, id`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []*coordinator.Session
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func decodeSession(payload string) (*coordinator.Session, error) {
	var session coordinator.Session
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS swap_sessions (
    id TEXT PRIMARY KEY,
    order_hash TEXT NOT NULL,
    phase TEXT NOT NULL,
    terminal BOOLEAN NOT NULL DEFAULT 0,
    payload TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swap_sessions_active ON swap_sessions(terminal, created_at);
CREATE INDEX IF NOT EXISTS idx_swap_sessions_order ON swap_sessions(order_hash);
`
