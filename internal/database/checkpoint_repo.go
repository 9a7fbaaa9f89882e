package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetCheckpoint returns the stored cursor value for name, or ErrNotFound.
func (db *DB) GetCheckpoint(ctx context.Context, name string) (string, error) {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM checkpoints WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return value, nil
}

// SetCheckpoint stores a cursor value under name, replacing any previous one.
func (db *DB) SetCheckpoint(ctx context.Context, name, value string) error {
	query := `
		INSERT INTO checkpoints (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`
	if _, err := db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}
	return nil
}
