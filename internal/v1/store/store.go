package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corkboard/realtime/internal/v1/types"
)

var ErrNotFound = errors.New("record not found")

// User is a row from the users table. The id is the auth provider's
// subject claim, not a database-generated key.
type User struct {
	ID          types.UserIdType
	DisplayName string
	Email       *string
	AvatarURL   *string
}

// Space is a row from the spaces table.
type Space struct {
	ID       types.SpaceIdType
	Name     string
	IsPublic bool
	OwnerID  types.UserIdType
}

// Store handles user and space database operations
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx connection pool and verifies
// connectivity with a ping.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Used by tests.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// UserByID finds a user by auth subject
func (s *Store) UserByID(ctx context.Context, id types.UserIdType) (*User, error) {
	query := `
		SELECT id, display_name, email, avatar_url
		FROM users WHERE id = $1
	`

	var user User
	err := s.pool.QueryRow(ctx, query, string(id)).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &user, nil
}

// SpaceByID finds a space by ID
func (s *Store) SpaceByID(ctx context.Context, id types.SpaceIdType) (*Space, error) {
	query := `
		SELECT id, name, is_public, owner_id
		FROM spaces WHERE id = $1
	`

	var space Space
	err := s.pool.QueryRow(ctx, query, string(id)).Scan(
		&space.ID, &space.Name, &space.IsPublic, &space.OwnerID,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &space, nil
}

// IsMember reports whether the user appears in the space's member list.
// Ownership is checked separately against Space.OwnerID.
func (s *Store) IsMember(ctx context.Context, spaceID types.SpaceIdType, userID types.UserIdType) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM space_members
			WHERE space_id = $1 AND user_id = $2
		)
	`

	var exists bool
	err := s.pool.QueryRow(ctx, query, string(spaceID), string(userID)).Scan(&exists)
	if err != nil {
		return false, err
	}

	return exists, nil
}
