package journal

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
)

// InitSnapshots creates the table holding saved journals.
func InitSnapshots(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(
		ctx,
		`CREATE TABLE IF NOT EXISTS journals (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create journals table: %w", err)
	}
	return nil
}

// LoadSnapshot reads the journal saved under id, or returns a fresh journal when none exists.
func LoadSnapshot(ctx context.Context, db *sql.DB, id string) (*Journal, error) {
	var rawContent string
	if err := db.QueryRowContext(ctx, `SELECT content FROM journals WHERE id = ?`, id).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Info("no saved journal, starting a new one", "id", id)
			return New(), nil
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	return Load(raw)
}

// SaveSnapshot stores the journal under id and reports whether anything changed.
func SaveSnapshot(ctx context.Context, db *sql.DB, id string, j *Journal) (bool, error) {
	newContent := base64.StdEncoding.EncodeToString(j.Save())
	res, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO journals (id, content) VALUES (?, ?)`, id, newContent)
	if err != nil {
		return false, fmt.Errorf("failed to insert: %w", err)
	}
	if r, _ := res.RowsAffected(); r > 0 {
		return true, nil
	}
	res, err = db.ExecContext(
		ctx, `UPDATE journals SET content = ? WHERE id = ? AND content != ?`,
		newContent, id, newContent,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update: %w", err)
	}
	r, _ := res.RowsAffected()
	return r > 0, nil
}
