// Package history persists finished conversions in a local SQLite file so
// past runs can be listed, inspected, and cleared from the CLI.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Entry is one recorded conversion.
type Entry struct {
	ID           string
	SourceName   string
	SourceSize   int64
	Backend      string
	OutputFormat string
	Status       string
	RequestID    string
	OutputPath   string
	Error        string
	Attempts     int
	Duration     time.Duration
	Words        int
	Pages        int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Store is a conversion history database.
type Store struct {
	db *sql.DB
}

// Open connects to the history database at path, creating the file, its
// parent directory, and the schema as needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one finished conversion. A missing ID or CreatedAt is
// filled in.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	var completedAt sql.NullTime
	if e.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversions (
			id, source_name, source_size, backend, output_format, status,
			request_id, output_path, error, attempts, duration_ms,
			words, pages, created_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceName, e.SourceSize, e.Backend, e.OutputFormat, e.Status,
		e.RequestID, e.OutputPath, e.Error, e.Attempts, e.Duration.Milliseconds(),
		e.Words, e.Pages, e.CreatedAt, completedAt,
	)
	if err != nil {
		return "", fmt.Errorf("record conversion: %w", err)
	}
	return e.ID, nil
}

// List returns the most recent entries, newest first. A non-positive
// limit means no limit.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `
		SELECT id, source_name, source_size, backend, output_format, status,
		       request_id, output_path, error, attempts, duration_ms,
		       words, pages, created_at, completed_at
		FROM conversions
		ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one entry by id, or nil if it does not exist. A unique id
// prefix is accepted, the way short commit hashes are.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_name, source_size, backend, output_format, status,
		       request_id, output_path, error, attempts, duration_ms,
		       words, pages, created_at, completed_at
		FROM conversions
		WHERE id = ? OR id LIKE ?
		LIMIT 2`,
		id, id+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("get conversion: %w", err)
	}
	defer rows.Close()

	var matches []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("conversion id %q is ambiguous", id)
	}
}

// Clear deletes all entries and reports how many were removed.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversions")
	if err != nil {
		return 0, fmt.Errorf("clear conversions: %w", err)
	}
	return res.RowsAffected()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e           Entry
		durationMS  int64
		completedAt sql.NullTime
	)
	err := rows.Scan(
		&e.ID, &e.SourceName, &e.SourceSize, &e.Backend, &e.OutputFormat, &e.Status,
		&e.RequestID, &e.OutputPath, &e.Error, &e.Attempts, &durationMS,
		&e.Words, &e.Pages, &e.CreatedAt, &completedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("scan conversion: %w", err)
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}
