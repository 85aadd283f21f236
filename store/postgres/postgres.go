// Package postgres implements the store interfaces on PostgreSQL using
// pgx. Lexical search uses tsvector ranking, semantic search scores stored
// embeddings in Go, and writes publish LISTEN/NOTIFY events so other
// processes can react to archival activity.
package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestarhq/threadline/logging"
	"github.com/lodestarhq/threadline/store"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel events are published
// on.
const DefaultNotifyChannel = "threadline_events"

// vectorCandidateLimit bounds how many stored embeddings one hybrid query
// scores in memory.
const vectorCandidateLimit = 256

const (
	uniqueViolation = "23505"
	sweepLockName   = "maintenance"
)

// Config configures a PostgreSQL store.
type Config struct {
	// Pool is the pgx connection pool. Required.
	Pool *pgxpool.Pool

	// Embedder generates embeddings for backfill and query-time search.
	// Optional; without it the store serves lexical-only results.
	Embedder store.Embedder

	// Dimensions, when positive, is enforced on embeddings written during
	// backfill.
	Dimensions int

	// Channel overrides DefaultNotifyChannel.
	Channel string

	// DisableNotify turns off event publication.
	DisableNotify bool

	// Logger receives store diagnostics. Defaults to a no-op logger.
	Logger logging.Logger
}

// Store is a PostgreSQL-backed implementation of store.Archive,
// store.KnowledgeStore, store.FactWriter, and store.Maintainer. All tables
// are prefixed threadline_ so the store can share a database with the
// application.
type Store struct {
	pool       *pgxpool.Pool
	embedder   store.Embedder
	dimensions int
	channel    string
	logger     logging.Logger
	now        func() time.Time
}

var (
	_ store.Archive        = (*Store)(nil)
	_ store.KnowledgeStore = (*Store)(nil)
	_ store.FactWriter     = (*Store)(nil)
	_ store.Maintainer     = (*Store)(nil)
)

// New creates a store over an existing pool. Call Init before using it.
func New(cfg Config) (*Store, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("postgres: pool is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	if cfg.DisableNotify {
		channel = ""
	}

	return &Store{
		pool:       cfg.Pool,
		embedder:   cfg.Embedder,
		dimensions: cfg.Dimensions,
		channel:    channel,
		logger:     cfg.Logger,
		now:        time.Now,
	}, nil
}

// Init creates the schema. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS threadline_segments (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding BYTEA,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS threadline_segments_tsv_idx
			ON threadline_segments USING GIN (tsv)`,
		`CREATE INDEX IF NOT EXISTS threadline_segments_hash_idx
			ON threadline_segments (session_id, content_hash)`,
		`CREATE INDEX IF NOT EXISTS threadline_segments_created_idx
			ON threadline_segments (created_at)`,
		`CREATE INDEX IF NOT EXISTS threadline_segments_pending_idx
			ON threadline_segments (created_at) WHERE embedding IS NULL`,
		`CREATE TABLE IF NOT EXISTS threadline_facts (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', title || ' ' || content)) STORED,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS threadline_facts_tsv_idx
			ON threadline_facts USING GIN (tsv)`,
		`CREATE TABLE IF NOT EXISTS threadline_sessions (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			compaction_count INTEGER NOT NULL DEFAULT 0,
			context_tokens INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS threadline_compaction_events (
			id UUID PRIMARY KEY,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			tokens_before INTEGER NOT NULL,
			tokens_after INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS threadline_compaction_events_session_idx
			ON threadline_compaction_events (session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS threadline_sweep_locks (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// vectorReady reports whether query-time vector search can run.
func (s *Store) vectorReady() bool {
	return s.embedder != nil
}

// publish sends a LISTEN/NOTIFY event. Inside a transaction the event is
// delivered on commit. Publication failures are logged, never returned.
func (s *Store) publish(ctx context.Context, eventType, sessionID string, payload map[string]any) {
	if s.channel == "" {
		return
	}

	body := map[string]any{"type": eventType}
	if sessionID != "" {
		body["session_id"] = sessionID
	}
	for key, value := range payload {
		body[key] = value
	}
	data, err := json.Marshal(body)
	if err != nil {
		return
	}

	if _, err := s.getQuerier(ctx).Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, string(data)); err != nil {
		s.logger.Warn("failed to publish event",
			"channel", s.channel, "type", eventType, "error", err)
	}
}

// contentHash fingerprints a segment for archival deduplication.
func contentHash(role, content string) string {
	h := sha256.Sum256([]byte(role + "\x00" + content))
	return hex.EncodeToString(h[:])
}
