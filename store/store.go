// Package store defines the persistence collaborators of the context engine
// and the record types they exchange. Implementations live in the sqlite and
// postgres subpackages; the engine itself only sees these interfaces.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Segment is one archived conversation fragment. Segments are addressed by
// ID and ordered within a session by Seq.
type Segment struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Fact is a searchable knowledge record ingested from memory files. The
// engine treats facts as opaque text.
type Fact struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one scored hit from a hybrid search.
type SearchResult struct {
	Segment Segment `json:"segment"`
	Score   float64 `json:"score"`
}

// Neighbor is a segment adjacent to a search hit in the session timeline.
// Distance is the absolute Seq difference from the hit.
type Neighbor struct {
	Segment  Segment `json:"segment"`
	Distance int     `json:"distance"`
}

// Stats summarizes a knowledge store.
type Stats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

// SessionInfo is the bookkeeping record kept per conversation.
type SessionInfo struct {
	ID              string    `json:"id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompactionCount int       `json:"compaction_count"`
	ContextTokens   int       `json:"context_tokens"`
}

// CompactionEvent records one compaction of a session.
type CompactionEvent struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Summary      string    `json:"summary,omitempty"`
	TokensBefore int       `json:"tokens_before"`
	TokensAfter  int       `json:"tokens_after"`
	Strategy     string    `json:"strategy"`
	DurationMs   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Weights blends the lexical and vector halves of a hybrid search. They
// should sum to 1; Renormalize fixes them up when they do not.
type Weights struct {
	Lexical float64 `json:"lexical"`
	Vector  float64 `json:"vector"`
}

// DefaultWeights favors semantic similarity over keyword overlap.
func DefaultWeights() Weights {
	return Weights{Lexical: 0.3, Vector: 0.7}
}

// Renormalize scales the weights to sum to 1. A zero pair falls back to the
// defaults. Stores without an embedder pass Weights{Lexical: 1} instead.
func (w Weights) Renormalize() Weights {
	sum := w.Lexical + w.Vector
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Lexical: w.Lexical / sum, Vector: w.Vector / sum}
}

// Embedder produces embedding vectors for text. The engine never generates
// embeddings itself; without an Embedder stores degrade to lexical-only
// search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RawArchive is a session-scoped handle over the raw conversation archive.
// Implementations are safe for concurrent use.
type RawArchive interface {
	// Init prepares the backing schema. Idempotent and cheap to repeat.
	Init(ctx context.Context) error

	// AddSegmentLite appends a segment without an embedding; a maintenance
	// sweep backfills embeddings later when an Embedder is configured.
	AddSegmentLite(ctx context.Context, role, content string) error

	// IsArchived reports whether an identical segment was already stored
	// for this session.
	IsArchived(ctx context.Context, role, content string) (bool, error)

	// HybridSearch blends lexical and vector retrieval over this session's
	// segments. Results are sorted by descending score and filtered by
	// minScore.
	HybridSearch(ctx context.Context, query string, limit int, minScore float64, weights Weights) ([]SearchResult, error)

	// TimelineNeighbors returns segments within the given Seq window around
	// a segment, excluding the segment itself.
	TimelineNeighbors(ctx context.Context, segmentID string, window int) ([]Neighbor, error)
}

// Archive is the session-independent archive entry point.
type Archive interface {
	// Raw returns a handle bound to one session's archive.
	Raw(sessionID string) RawArchive

	// Session returns bookkeeping for a session, creating the record on
	// first use.
	Session(ctx context.Context, sessionID string) (*SessionInfo, error)

	// RecordCompaction persists a compaction event and bumps the session's
	// counters.
	RecordCompaction(ctx context.Context, event *CompactionEvent) error
}

// KnowledgeStore is the read side of the long-lived knowledge base.
type KnowledgeStore interface {
	// Init prepares the backing schema. Idempotent.
	Init(ctx context.Context) error

	// Search returns the most relevant active facts for a query.
	Search(ctx context.Context, query string, limit int) ([]Fact, error)

	// Stats reports fact counts.
	Stats(ctx context.Context) (Stats, error)
}

// FactWriter is the ingestion side of a knowledge store.
type FactWriter interface {
	// AddFact stores a fact, deduplicating by content. Returns false when
	// an identical fact was already present.
	AddFact(ctx context.Context, fact *Fact) (bool, error)
}

// Maintainer is implemented by stores that support background maintenance
// sweeps.
type Maintainer interface {
	// PruneSegments deletes archived segments older than the cutoff and
	// returns how many were removed.
	PruneSegments(ctx context.Context, olderThan time.Time) (int, error)

	// DeactivateFacts marks facts older than the cutoff inactive and
	// returns how many changed.
	DeactivateFacts(ctx context.Context, olderThan time.Time) (int, error)

	// BackfillEmbeddings embeds up to batchSize segments stored without
	// embeddings. Returns how many were embedded; 0 when no Embedder is
	// configured.
	BackfillEmbeddings(ctx context.Context, batchSize int) (int, error)

	// AcquireSweepLock takes the named maintenance lock for ttl. Returns
	// false when another holder owns it.
	AcquireSweepLock(ctx context.Context, holder string, ttl time.Duration) (bool, error)

	// ReleaseSweepLock releases the lock if held by holder.
	ReleaseSweepLock(ctx context.Context, holder string) error
}
