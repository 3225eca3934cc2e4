// Package history keeps an append-only SQLite log of completed builds.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	_ "modernc.org/sqlite"

	"github.com/book-expert/narrator/internal/manifest"
)

const (
	driverName     = "sqlite"
	dirPermissions = 0o750
	defaultLimit   = 20
)

// ErrPathEmpty is returned when the store is opened without a database path.
var ErrPathEmpty = errors.New("history database path cannot be empty")

const schema = `
CREATE TABLE IF NOT EXISTS builds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    build_id TEXT NOT NULL UNIQUE,
    source_document TEXT NOT NULL,
    source_document_hash TEXT NOT NULL,
    output_path TEXT NOT NULL,
    output_checksum TEXT NOT NULL,
    voice_id TEXT NOT NULL,
    chunk_count INTEGER NOT NULL,
    total_duration_ms INTEGER NOT NULL,
    built_at TEXT NOT NULL,
    manifest BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_builds_output ON builds(output_path, id);
`

const selectColumns = `SELECT id, build_id, source_document, output_path, output_checksum,
    voice_id, chunk_count, total_duration_ms, built_at, manifest FROM builds`

// Entry is one recorded build.
type Entry struct {
	ID             int64
	BuildID        string
	SourceDocument string
	OutputPath     string
	OutputChecksum string
	VoiceID        string
	ChunkCount     int
	TotalDuration  time.Duration
	BuiltAt        time.Time
	Manifest       *manifest.BuildManifest
}

// Store wraps the SQLite database.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string, log *logger.Logger) (*Store, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping history database: %w", pingErr)
	}

	_, schemaErr := db.ExecContext(ctx, schema)
	if schemaErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create history schema: %w", schemaErr)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a build.
func (s *Store) Record(ctx context.Context, m *manifest.BuildManifest) error {
	if m == nil {
		return manifest.ErrManifestNil
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode manifest for history: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO builds(build_id, source_document, source_document_hash, output_path,
		     output_checksum, voice_id, chunk_count, total_duration_ms, built_at, manifest)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BuildID, m.SourceDocument, m.SourceDocumentHash, m.OutputPath,
		m.OutputChecksum, m.VoiceID, m.ChunkCount, m.TotalDurationMS,
		m.BuildTimestamp.UTC().Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("failed to record build %s: %w", m.BuildID, err)
	}

	s.log.Info("Recorded build %s for %s in history", m.BuildID, m.OutputPath)

	return nil
}

// Recent returns up to limit builds, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	return s.query(ctx, selectColumns+` ORDER BY id DESC LIMIT ?`, limit)
}

// ByOutput returns every build that wrote outputPath, newest first.
func (s *Store) ByOutput(ctx context.Context, outputPath string) ([]Entry, error) {
	return s.query(ctx, selectColumns+` WHERE output_path = ? ORDER BY id DESC`, outputPath)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			entry      Entry
			durationMS int64
			builtAt    string
			payload    []byte
		)

		scanErr := rows.Scan(&entry.ID, &entry.BuildID, &entry.SourceDocument, &entry.OutputPath,
			&entry.OutputChecksum, &entry.VoiceID, &entry.ChunkCount, &durationMS, &builtAt, &payload)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", scanErr)
		}

		entry.TotalDuration = time.Duration(durationMS) * time.Millisecond

		parsed, parseErr := time.Parse(time.RFC3339Nano, builtAt)
		if parseErr == nil {
			entry.BuiltAt = parsed
		}

		var m manifest.BuildManifest

		decodeErr := json.Unmarshal(payload, &m)
		if decodeErr != nil {
			s.log.Warn("History entry %d has an unreadable manifest: %v", entry.ID, decodeErr)
		} else {
			entry.Manifest = &m
		}

		entries = append(entries, entry)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", rowsErr)
	}

	return entries, nil
}
