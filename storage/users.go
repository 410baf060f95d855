package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateUser inserts a new user account.
func (s *Store) CreateUser(username string) (User, error) {
	if username == "" {
		return User{}, errors.New("username is required")
	}

	createdAt := nowUnixMilli()
	result, err := s.db.Exec(
		`INSERT INTO users (username, created_at) VALUES (?, ?)`,
		username, createdAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("insert user %q: %w", username, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("user insert id: %w", err)
	}
	return User{ID: id, Username: username, CreatedAt: createdAt}, nil
}

// EnsureUser returns the existing user for username, creating one if absent.
func (s *Store) EnsureUser(username string) (User, error) {
	id, err := s.ResolveUsername(username)
	if err == nil {
		return s.GetUser(id)
	}
	if !errors.Is(err, ErrNotFound) {
		return User{}, err
	}
	return s.CreateUser(username)
}

// GetUser returns one user by id.
func (s *Store) GetUser(id int64) (User, error) {
	var user User
	err := s.db.QueryRow(
		`SELECT id, username, created_at FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return user, nil
}

// ResolveUsername maps a username to its user id. Directory logins are only
// accepted for usernames that resolve here.
func (s *Store) ResolveUsername(username string) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM users WHERE username = ?`, username,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("resolve username %q: %w", username, err)
	}
	return id, nil
}
