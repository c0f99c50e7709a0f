// Package database provides local session storage for the admin backend.
package database

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/digestdesk/internal/model"
)

// Store defines the interface for session storage.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// CreateSession inserts s. s.ID must be set.
	CreateSession(ctx context.Context, s *model.Session) error
	// GetSession returns the session with the given id, or (nil, nil).
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// UpdateSessionAIKey replaces the personal AI key of a session.
	// An empty key clears it.
	UpdateSessionAIKey(ctx context.Context, id, key string) error
	// DeleteSession removes a session. Deleting a missing session is not
	// an error.
	DeleteSession(ctx context.Context, id string) error
	// DeleteSessionsBefore removes sessions created before t and returns
	// how many were removed.
	DeleteSessionsBefore(ctx context.Context, t time.Time) (int64, error)
}

// Open opens the store named by dsn: a postgres:// URL selects PostgreSQL,
// anything else is an SQLite path.
func Open(dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(dsn)
	}
	return New(dsn)
}

// NewSession returns a session with a fresh random id.
func NewSession(token, owner, repo string, now time.Time) *model.Session {
	return &model.Session{
		ID:        uuid.NewString(),
		Token:     token,
		Owner:     owner,
		Repo:      repo,
		CreatedAt: now.UTC().Truncate(time.Second),
	}
}
