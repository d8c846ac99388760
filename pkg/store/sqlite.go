package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite persists entries as JSON text, one row per root key, namespaced by name so several caches can
// share one database file.
type SQLite struct {
	db   *sql.DB
	name string
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database file at path.
func OpenSQLite(path, name string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer keeps sqlite from reporting the database as locked
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db, name: name}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	if _, err := s.db.Exec(
		`CREATE TABLE IF NOT EXISTS entries (
		name text not null,
		key text not null,
		value text not null,
		primary key (name, key)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	return nil
}

// DB exposes the handle so other tables (the journal snapshots) can live in the same file.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Load() (map[string]any, error) {
	rows, err := s.db.Query(`SELECT key, value FROM entries WHERE name = ?`, s.name)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)

	out := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", key, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate: %w", err)
	}
	slog.Info("loaded entries", "name", s.name, "count", len(out))
	return out, nil
}

func (s *SQLite) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO entries (name, key, value) VALUES (?, ?, ?)
		ON CONFLICT (name, key) DO UPDATE SET value = excluded.value`,
		s.name, key, string(raw),
	); err != nil {
		return fmt.Errorf("failed to upsert: %w", err)
	}
	return nil
}

func (s *SQLite) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE name = ? AND key = ?`, s.name, key); err != nil {
		return fmt.Errorf("failed to delete: %w", err)
	}
	return nil
}

func (s *SQLite) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM entries WHERE name = ?`, s.name); err != nil {
		return fmt.Errorf("failed to clear: %w", err)
	}
	return nil
}
