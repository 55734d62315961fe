package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ==================== Session Intent Queries ====================

// LoadIntent returns the stored intent for key; a missing row reads as false
func (db *DB) LoadIntent(ctx context.Context, key string) (bool, error) {
	var connected bool
	query := db.Rebind(`SELECT connected FROM session_intents WHERE intent_key = ?`)
	err := db.GetContext(ctx, &connected, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load intent %q: %w", key, err)
	}
	return connected, nil
}

// SaveIntent upserts the intent for key
func (db *DB) SaveIntent(ctx context.Context, key string, connected bool) error {
	query := db.Rebind(`
		INSERT INTO session_intents (intent_key, connected, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (intent_key) DO UPDATE
		SET connected = excluded.connected, updated_at = excluded.updated_at
	`)
	if _, err := db.ExecContext(ctx, query, key, connected, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save intent %q: %w", key, err)
	}
	return nil
}
