package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// UserStore is the SQLite-backed lookup side of credential resolution.
// Provisioning happens outside this service; the store only needs enough
// writes for setup tooling and tests.
type UserStore struct {
	db *sql.DB
}

// OpenUserStore opens the user database at path, creating the file and
// schema when missing.
func OpenUserStore(path string) (*UserStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("user database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create user database directory: %w", err)
		}
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping user database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		is_admin INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	return &UserStore{db: db}, nil
}

// Close releases the database handle.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// GetUserByID returns nil without error when no such user exists.
func (s *UserStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, is_admin, created_at FROM users WHERE id = ?`, id)

	var user User
	var isAdmin int
	var createdAt string
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &isAdmin, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	user.IsAdmin = isAdmin != 0
	if parsed, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		user.CreatedAt = parsed
	}
	return &user, nil
}

// PutUser inserts or replaces a user record.
func (s *UserStore) PutUser(ctx context.Context, user User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	isAdmin := 0
	if user.IsAdmin {
		isAdmin = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, email, name, is_admin, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.Name, isAdmin, user.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}
