// Package sqlite implements the store interfaces on an embedded SQLite
// database. Lexical search uses FTS5, semantic search uses the sqlite-vec
// extension, and the store degrades to lexical-only when either the
// extension or an embedder is unavailable.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/store"
)

// DefaultDimensions is the embedding width used when Config.Dimensions is
// zero and an embedder is configured.
const DefaultDimensions = 1536

const sweepLockName = "maintenance"

var registerVecOnce sync.Once

// Config configures a SQLite store.
type Config struct {
	// Path is the database file location. Required.
	Path string

	// Dimensions is the embedding width for the vector index. Defaults to
	// DefaultDimensions when an Embedder is set.
	Dimensions int

	// Embedder generates embeddings for backfill and query-time search.
	// Optional; without it the store serves lexical-only results.
	Embedder store.Embedder

	// Logger receives store diagnostics. Defaults to a no-op logger.
	Logger logging.Logger
}

// Store is a SQLite-backed implementation of store.Archive,
// store.KnowledgeStore, store.FactWriter, and store.Maintainer.
type Store struct {
	db         *sql.DB
	embedder   store.Embedder
	dimensions int
	vecEnabled bool
	logger     logging.Logger
	now        func() time.Time
}

var (
	_ store.Archive        = (*Store)(nil)
	_ store.KnowledgeStore = (*Store)(nil)
	_ store.FactWriter     = (*Store)(nil)
	_ store.Maintainer     = (*Store)(nil)
)

// New opens the database at cfg.Path and probes for the sqlite-vec
// extension. Call Init before using the store.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Embedder != nil && cfg.Dimensions == 0 {
		cfg.Dimensions = DefaultDimensions
	}

	registerVecOnce.Do(sqlite_vec.Auto)

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps FTS and vector queries serialized; cursors
	// must be drained before issuing follow-up statements.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		embedder:   cfg.Embedder,
		dimensions: cfg.Dimensions,
		logger:     cfg.Logger,
		now:        time.Now,
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		s.logger.Warn("sqlite-vec unavailable, vector search disabled", "error", err)
	} else if cfg.Dimensions > 0 {
		s.vecEnabled = true
		s.logger.Debug("sqlite-vec ready", "version", vecVersion, "dimensions", cfg.Dimensions)
	}

	return s, nil
}

// Init creates the schema. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedded INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_hash ON segments (session_id, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_created ON segments (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_embedded ON segments (embedded) WHERE embedded = 0`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS segments_fts USING fts5(
			content,
			content='segments',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS segments_fts_insert AFTER INSERT ON segments BEGIN
			INSERT INTO segments_fts (rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS segments_fts_delete AFTER DELETE ON segments BEGIN
			INSERT INTO segments_fts (segments_fts, rowid, content) VALUES ('delete', old.rowid, old.content);
		END`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			title,
			content,
			content='facts',
			content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS facts_fts_insert AFTER INSERT ON facts BEGIN
			INSERT INTO facts_fts (rowid, title, content) VALUES (new.rowid, new.title, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS facts_fts_delete AFTER DELETE ON facts BEGIN
			INSERT INTO facts_fts (facts_fts, rowid, title, content) VALUES ('delete', old.rowid, old.title, old.content);
		END`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			compaction_count INTEGER NOT NULL DEFAULT 0,
			context_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS compaction_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			tokens_before INTEGER NOT NULL,
			tokens_after INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_compaction_events_session ON compaction_events (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS sweep_locks (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
	}
	if s.vecEnabled {
		statements = append(statements, fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS segment_vectors USING vec0(embedding float[%d] distance_metric=cosine)`,
			s.dimensions,
		))
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// vectorReady reports whether query-time vector search can run.
func (s *Store) vectorReady() bool {
	return s.vecEnabled && s.embedder != nil
}

// contentHash fingerprints a segment for archival deduplication.
func contentHash(role, content string) string {
	h := sha256.Sum256([]byte(role + "\x00" + content))
	return hex.EncodeToString(h[:])
}

// ftsQuery rewrites free text into an FTS5 OR-query with every term quoted
// so user input cannot inject match syntax. Returns "" when no terms
// remain.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.ReplaceAll(field, `"`, "")
		if field == "" {
			continue
		}
		terms = append(terms, `"`+field+`"`)
	}
	return strings.Join(terms, " OR ")
}
