package sqlite

import (
	"context"
	"time"

	"github.com/google/uuid"

	gateway "github.com/autogram-ai/autogram/internal"
)

// UpsertUserByEmail finds a user by email or creates one. The name is updated
// on conflict so OAuth profile changes propagate on next login.
func (s *Store) UpsertUserByEmail(ctx context.Context, email, name string) (*gateway.User, error) {
	id := uuid.Must(uuid.NewV7()).String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET name = excluded.name`,
		id, email, name, now)
	if err != nil {
		return nil, err
	}

	row := s.read.QueryRowContext(ctx,
		`SELECT id, email, name, suspended, created_at FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err != nil {
		return nil, err
	}
	logMutation(ctx, "user upserted", u.ID)
	return u, nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, email, name, suspended, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(s scanner) (*gateway.User, error) {
	var u gateway.User
	var suspended int
	var createdAt string
	if err := s.Scan(&u.ID, &u.Email, &u.Name, &suspended, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	u.Suspended = suspended != 0
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		u.CreatedAt = t
	}
	return &u, nil
}
