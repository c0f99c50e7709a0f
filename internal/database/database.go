package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bryan-buckman/digestdesk/internal/model"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		ai_key TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// CreateSession inserts a new session.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO sessions (id, token, owner, repo, ai_key, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		s.ID, s.Token, s.Owner, s.Repo, s.AIKey, s.CreatedAt.Unix())
	return err
}

// GetSession retrieves a session by id.
func (db *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT id, token, owner, repo, ai_key, created_at FROM sessions WHERE id = ?", id)
	return scanSession(row)
}

// UpdateSessionAIKey sets the personal AI key of a session.
func (db *DB) UpdateSessionAIKey(ctx context.Context, id, key string) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE sessions SET ai_key = ? WHERE id = ?", key, id)
	return err
}

// DeleteSession removes a session.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

// DeleteSessionsBefore removes sessions created before t.
func (db *DB) DeleteSessionsBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE created_at < ?", t.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanSession(row *sql.Row) (*model.Session, error) {
	var (
		s       model.Session
		created int64
	)
	err := row.Scan(&s.ID, &s.Token, &s.Owner, &s.Repo, &s.AIKey, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = time.Unix(created, 0).UTC()
	return &s, nil
}
