// Package storage provides SQLite storage implementation
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Use modernc.org/sqlite for pure Go SQLite (CGO-free)
)

// SQLiteStore implements Store interface with SQLite backend
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(config *SQLiteConfig) (*SQLiteStore, error) {
	if config == nil {
		return nil, ErrMissingSQLiteConfig
	}

	inMemory := config.Path == ":memory:"
	if !inMemory {
		// Ensure directory exists
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	// Open database connection
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if inMemory {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: config.Path,
	}

	// Initialize schema
	if err := store.initSchema(config); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema(config *SQLiteConfig) error {
	schema := `
	CREATE TABLE IF NOT EXISTS downloads (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		final_url TEXT,
		directory TEXT NOT NULL,
		file_name TEXT NOT NULL,
		task_type TEXT NOT NULL,
		state TEXT NOT NULL,
		total_bytes INTEGER NOT NULL DEFAULT -1,
		downloaded_bytes INTEGER NOT NULL DEFAULT 0,
		parts_total INTEGER NOT NULL DEFAULT 0,
		parts_completed INTEGER NOT NULL DEFAULT 0,
		range_supported INTEGER NOT NULL DEFAULT 0,
		expected_size INTEGER NOT NULL DEFAULT 0,
		expected_sha256 TEXT,
		etag TEXT,
		error_message TEXT,
		parts TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_downloads_state ON downloads(state);
	CREATE INDEX IF NOT EXISTS idx_downloads_created ON downloads(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	// Apply pragmas
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = memory",
	}
	if config.EnableWAL && s.path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}

	// Apply custom pragmas from config
	for key, value := range config.Pragmas {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA %s = %s", key, value))
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	return nil
}

const downloadColumns = `id, url, final_url, directory, file_name, task_type, state,
	total_bytes, downloaded_bytes, parts_total, parts_completed, range_supported,
	expected_size, expected_sha256, etag, error_message, parts,
	created_at, updated_at, started_at, finished_at`

// SaveDownload inserts or replaces a download record
func (s *SQLiteStore) SaveDownload(ctx context.Context, rec *DownloadRecord) error {
	if rec == nil || rec.ID == "" {
		return ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = timeNow()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	partsJSON, err := json.Marshal(rec.Parts)
	if err != nil {
		return fmt.Errorf("failed to encode parts: %w", err)
	}

	query := `
	INSERT INTO downloads (` + downloadColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		url = excluded.url,
		final_url = excluded.final_url,
		directory = excluded.directory,
		file_name = excluded.file_name,
		task_type = excluded.task_type,
		state = excluded.state,
		total_bytes = excluded.total_bytes,
		downloaded_bytes = excluded.downloaded_bytes,
		parts_total = excluded.parts_total,
		parts_completed = excluded.parts_completed,
		range_supported = excluded.range_supported,
		expected_size = excluded.expected_size,
		expected_sha256 = excluded.expected_sha256,
		etag = excluded.etag,
		error_message = excluded.error_message,
		parts = excluded.parts,
		updated_at = excluded.updated_at,
		started_at = excluded.started_at,
		finished_at = excluded.finished_at
	`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.URL,
		rec.FinalURL,
		rec.Directory,
		rec.FileName,
		rec.TaskType,
		rec.State,
		rec.TotalBytes,
		rec.DownloadedBytes,
		rec.PartsTotal,
		rec.PartsCompleted,
		rec.RangeSupported,
		rec.ExpectedSize,
		rec.ExpectedSHA256,
		rec.ETag,
		rec.ErrorMessage,
		string(partsJSON),
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
		timeToUnix(rec.StartedAt),
		timeToUnix(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save download: %w", err)
	}
	return nil
}

// GetDownload retrieves a download record by ID
func (s *SQLiteStore) GetDownload(ctx context.Context, id string) (*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + downloadColumns + ` FROM downloads WHERE id = ?`

	rec, err := scanDownload(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrDownloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return rec, nil
}

// ListDownloads lists download records, oldest first
func (s *SQLiteStore) ListDownloads(ctx context.Context, limit, offset int) ([]*DownloadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
	SELECT ` + downloadColumns + `
	FROM downloads
	ORDER BY created_at ASC, id ASC
	LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	recs := []*DownloadRecord{}
	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteDownload deletes a download record
func (s *SQLiteStore) DeleteDownload(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDownloadNotFound
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Stats returns statistics about the database
func (s *SQLiteStore) Stats() (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]interface{})

	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM downloads").Scan(&count); err != nil {
		return nil, err
	}

	stats["downloads"] = count
	stats["type"] = "sqlite"
	stats["path"] = s.path

	// Get database size
	if info, err := os.Stat(s.path); err == nil {
		stats["size_bytes"] = info.Size()
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*DownloadRecord, error) {
	var (
		rec                    DownloadRecord
		finalURL, sha, etag    sql.NullString
		errMsg, partsJSON      sql.NullString
		createdMs, updatedMs   int64
		startedMs, finishedMs  sql.NullInt64
	)

	err := row.Scan(
		&rec.ID,
		&rec.URL,
		&finalURL,
		&rec.Directory,
		&rec.FileName,
		&rec.TaskType,
		&rec.State,
		&rec.TotalBytes,
		&rec.DownloadedBytes,
		&rec.PartsTotal,
		&rec.PartsCompleted,
		&rec.RangeSupported,
		&rec.ExpectedSize,
		&sha,
		&etag,
		&errMsg,
		&partsJSON,
		&createdMs,
		&updatedMs,
		&startedMs,
		&finishedMs,
	)
	if err != nil {
		return nil, err
	}

	rec.FinalURL = finalURL.String
	rec.ExpectedSHA256 = sha.String
	rec.ETag = etag.String
	rec.ErrorMessage = errMsg.String

	if partsJSON.Valid && partsJSON.String != "" {
		if err := json.Unmarshal([]byte(partsJSON.String), &rec.Parts); err != nil {
			return nil, fmt.Errorf("failed to decode parts: %w", err)
		}
	}

	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	rec.StartedAt = unixToTime(startedMs)
	rec.FinishedAt = unixToTime(finishedMs)

	return &rec, nil
}

// Helper functions for time handling

func timeNow() time.Time {
	return time.Now().UTC()
}

func timeToUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func unixToTime(t sql.NullInt64) *time.Time {
	if !t.Valid {
		return nil
	}
	u := time.UnixMilli(t.Int64).UTC()
	return &u
}
