// Package history persists finished resolutions to SQLite so operators
// can review what a link resolved to and when.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// maxRecentLimit caps a single Recent query.
const maxRecentLimit = 500

// Entry is one recorded resolution.
type Entry struct {
	ID          int64     `json:"id"`
	StartURL    string    `json:"startUrl"`
	FinalURL    string    `json:"finalUrl"`
	Site        string    `json:"site"`
	Termination string    `json:"termination"`
	Hops        int       `json:"hops"`
	Headless    bool      `json:"headless"`
	DurationMs  int64     `json:"durationMs"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS resolutions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_url TEXT NOT NULL,
		final_url TEXT NOT NULL,
		site TEXT NOT NULL DEFAULT '',
		termination TEXT NOT NULL,
		hops INTEGER NOT NULL DEFAULT 0,
		headless INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_resolutions_created_at ON resolutions(created_at);
	CREATE INDEX IF NOT EXISTS idx_resolutions_site ON resolutions(site);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Record inserts one finished resolution.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolutions (start_url, final_url, site, termination, hops, headless, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.StartURL, e.FinalURL, e.Site, e.Termination, e.Hops, e.Headless, e.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to record resolution: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first. site filters to
// one site profile when non-empty.
func (s *Store) Recent(ctx context.Context, site string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxRecentLimit {
		limit = 50
	}

	query := `SELECT id, start_url, final_url, site, termination, hops, headless, duration_ms, created_at
		FROM resolutions`
	args := []any{}
	if site != "" {
		query += ` WHERE site = ?`
		args = append(args, strings.ToLower(site))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.StartURL, &e.FinalURL, &e.Site, &e.Termination,
			&e.Hops, &e.Headless, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Lookup returns the latest entry for a start URL, or nil when the URL
// has never been resolved.
func (s *Store) Lookup(ctx context.Context, startURL string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, start_url, final_url, site, termination, hops, headless, duration_ms, created_at
		 FROM resolutions WHERE start_url = ? ORDER BY id DESC LIMIT 1`, startURL)

	var e Entry
	err := row.Scan(&e.ID, &e.StartURL, &e.FinalURL, &e.Site, &e.Termination,
		&e.Hops, &e.Headless, &e.DurationMs, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up history: %w", err)
	}
	return &e, nil
}

// Prune deletes entries older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resolutions WHERE created_at < ?`, time.Now().Add(-maxAge).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
