// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite-backed session record store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/polybugger/internal/debug"
	"github.com/tombee/polybugger/internal/session"
	pberrors "github.com/tombee/polybugger/pkg/errors"
)

var _ session.Store = (*Store)(nil)

// Store persists session records in a single SQLite file.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Parent directories are created.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if needed) the database at cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &pberrors.ValidationError{Field: "persistence.path", Message: "is required"}
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			project_root TEXT NOT NULL,
			language TEXT NOT NULL,
			python_path TEXT,
			state TEXT NOT NULL,
			breakpoints TEXT,
			watches TEXT,
			saved_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_saved_at ON sessions(saved_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, r session.Record) error {
	bpJSON, err := json.Marshal(r.Breakpoints)
	if err != nil {
		return fmt.Errorf("failed to marshal breakpoints: %w", err)
	}
	watchJSON, err := json.Marshal(r.Watches)
	if err != nil {
		return fmt.Errorf("failed to marshal watches: %w", err)
	}
	savedAt := r.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, project_root, language, python_path, state, breakpoints, watches, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			project_root = excluded.project_root,
			language = excluded.language,
			python_path = excluded.python_path,
			state = excluded.state,
			breakpoints = excluded.breakpoints,
			watches = excluded.watches,
			saved_at = excluded.saved_at
	`,
		r.ID,
		r.Name,
		r.ProjectRoot,
		r.Language,
		nullString(r.PythonPath),
		r.State,
		string(bpJSON),
		string(watchJSON),
		savedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", r.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, name, project_root, language, python_path, state, breakpoints, watches, saved_at FROM sessions`

// Load implements session.Store.
func (s *Store) Load(ctx context.Context, id string) (*session.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pberrors.NotFoundError{Resource: "session record", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List implements session.Store.
func (s *Store) List(ctx context.Context) ([]session.Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY saved_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*session.Record, error) {
	var (
		r          session.Record
		pythonPath sql.NullString
		bpJSON     sql.NullString
		watchJSON  sql.NullString
		savedAt    string
	)
	if err := sc.Scan(&r.ID, &r.Name, &r.ProjectRoot, &r.Language, &pythonPath, &r.State, &bpJSON, &watchJSON, &savedAt); err != nil {
		return nil, err
	}
	r.PythonPath = pythonPath.String

	if bpJSON.Valid && bpJSON.String != "" {
		var bps map[string][]debug.SourceBreakpoint
		if err := json.Unmarshal([]byte(bpJSON.String), &bps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal breakpoints for %s: %w", r.ID, err)
		}
		r.Breakpoints = bps
	}
	if watchJSON.Valid && watchJSON.String != "" {
		if err := json.Unmarshal([]byte(watchJSON.String), &r.Watches); err != nil {
			return nil, fmt.Errorf("failed to unmarshal watches for %s: %w", r.ID, err)
		}
	}

	t, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse saved_at for %s: %w", r.ID, err)
	}
	r.SavedAt = t
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
