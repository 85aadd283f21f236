package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lodestarhq/threadline/store"
)

// Raw returns an archive handle bound to one session.
func (s *Store) Raw(sessionID string) store.RawArchive {
	return &sessionArchive{s: s, sessionID: sessionID}
}

// Session returns bookkeeping for a session, creating the record on first
// use.
func (s *Store) Session(ctx context.Context, sessionID string) (*store.SessionInfo, error) {
	q := s.getQuerier(ctx)

	_, err := q.Exec(ctx, `
		INSERT INTO threadline_sessions (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}

	info := &store.SessionInfo{}
	err = q.QueryRow(ctx, `
		SELECT id, created_at, updated_at, compaction_count, context_tokens
		FROM threadline_sessions WHERE id = $1`,
		sessionID).Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.CompactionCount, &info.ContextTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return info, nil
}

// RecordCompaction persists a compaction event, bumps the session's
// counters, and publishes a compaction_recorded event. Runs in its own
// transaction unless the context already carries one.
func (s *Store) RecordCompaction(ctx context.Context, event *store.CompactionEvent) error {
	if event == nil {
		return fmt.Errorf("postgres: compaction event is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	if _, ok := TxFromContext(ctx); ok {
		return s.recordCompaction(ctx, event)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.recordCompaction(WithTx(ctx, tx), event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) recordCompaction(ctx context.Context, event *store.CompactionEvent) error {
	q := s.getQuerier(ctx)

	_, err := q.Exec(ctx, `
		INSERT INTO threadline_compaction_events
			(id, session_id, summary, tokens_before, tokens_after, strategy, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.SessionID, event.Summary, event.TokensBefore, event.TokensAfter,
		event.Strategy, event.DurationMs, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert compaction event: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO threadline_sessions (id, compaction_count, context_tokens)
		VALUES ($1, 1, $2)
		ON CONFLICT (id) DO UPDATE SET
			compaction_count = threadline_sessions.compaction_count + 1,
			context_tokens = excluded.context_tokens,
			updated_at = now()`,
		event.SessionID, event.TokensAfter)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	s.publish(ctx, "compaction_recorded", event.SessionID, map[string]any{
		"tokens_before": event.TokensBefore,
		"tokens_after":  event.TokensAfter,
		"strategy":      event.Strategy,
	})
	return nil
}

// sessionArchive implements store.RawArchive for one session.
type sessionArchive struct {
	s         *Store
	sessionID string
}

func (a *sessionArchive) Init(ctx context.Context) error {
	return a.s.Init(ctx)
}

// AddSegmentLite appends a segment without an embedding and publishes a
// segment_archived event. Sequence allocation retries on conflict so
// concurrent archival workers interleave cleanly.
func (a *sessionArchive) AddSegmentLite(ctx context.Context, role, content string) error {
	q := a.s.getQuerier(ctx)
	hash := contentHash(role, content)

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var seq int64
		err = q.QueryRow(ctx, `
			INSERT INTO threadline_segments (id, session_id, seq, role, content, content_hash)
			SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5
			FROM threadline_segments WHERE session_id = $2
			RETURNING seq`,
			uuid.New().String(), a.sessionID, role, content, hash).Scan(&seq)
		if err == nil {
			a.s.publish(ctx, "segment_archived", a.sessionID, map[string]any{
				"seq":  seq,
				"role": role,
			})
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return fmt.Errorf("failed to insert segment after retries: %w", err)
}

// IsArchived reports whether an identical role/content pair already exists
// in this session's archive.
func (a *sessionArchive) IsArchived(ctx context.Context, role, content string) (bool, error) {
	var exists bool
	err := a.s.getQuerier(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM threadline_segments
			WHERE session_id = $1 AND content_hash = $2
		)`,
		a.sessionID, contentHash(role, content)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check archive: %w", err)
	}
	return exists, nil
}

// HybridSearch blends tsvector ranking with cosine similarity over stored
// embeddings. Embedding failures degrade the query to lexical-only rather
// than failing it.
func (a *sessionArchive) HybridSearch(ctx context.Context, query string, limit int, minScore float64, weights store.Weights) ([]store.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}

	weights = weights.Renormalize()
	if !a.s.vectorReady() {
		weights = store.Weights{Lexical: 1}
	}

	candidates := make(map[string]*store.Candidate)

	if err := a.collectLexicalMatches(ctx, query, limit*4, candidates); err != nil {
		return nil, err
	}

	if weights.Vector > 0 {
		vec, err := a.s.embedder.Embed(ctx, query)
		if err != nil {
			a.s.logger.Warn("query embedding failed, falling back to lexical search",
				"session_id", a.sessionID, "error", err)
			weights = store.Weights{Lexical: 1}
		} else if err := a.collectVectorMatches(ctx, vec, candidates); err != nil {
			return nil, err
		}
	}

	list := make([]store.Candidate, 0, len(candidates))
	for _, c := range candidates {
		list = append(list, *c)
	}
	return store.Blend(list, weights, minScore, limit, a.s.now()), nil
}

func (a *sessionArchive) collectLexicalMatches(ctx context.Context, query string, limit int, candidates map[string]*store.Candidate) error {
	rows, err := a.s.getQuerier(ctx).Query(ctx, `
		SELECT id, session_id, seq, role, content, created_at,
			ts_rank(tsv, plainto_tsquery('english', $1))
		FROM threadline_segments
		WHERE session_id = $2 AND tsv @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $3`,
		query, a.sessionID, limit)
	if err != nil {
		return fmt.Errorf("failed to run lexical search: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c store.Candidate
		err := rows.Scan(&c.Segment.ID, &c.Segment.SessionID, &c.Segment.Seq,
			&c.Segment.Role, &c.Segment.Content, &c.Segment.CreatedAt, &c.Lexical)
		if err != nil {
			return fmt.Errorf("failed to scan lexical result: %w", err)
		}
		candidates[c.Segment.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read lexical results: %w", err)
	}
	return nil
}

// collectVectorMatches scores the session's most recent stored embeddings
// against the query vector in Go.
func (a *sessionArchive) collectVectorMatches(ctx context.Context, vec []float32, candidates map[string]*store.Candidate) error {
	rows, err := a.s.getQuerier(ctx).Query(ctx, `
		SELECT id, session_id, seq, role, content, created_at, embedding
		FROM threadline_segments
		WHERE session_id = $1 AND embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $2`,
		a.sessionID, vectorCandidateLimit)
	if err != nil {
		return fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seg store.Segment
		var embedding []byte
		err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Seq,
			&seg.Role, &seg.Content, &seg.CreatedAt, &embedding)
		if err != nil {
			return fmt.Errorf("failed to scan embedding: %w", err)
		}

		similarity := store.Cosine(vec, store.DecodeVector(embedding))
		if c, ok := candidates[seg.ID]; ok {
			c.Vector = similarity
		} else {
			candidates[seg.ID] = &store.Candidate{Segment: seg, Vector: similarity}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read embeddings: %w", err)
	}
	return nil
}

// TimelineNeighbors returns segments within the Seq window around a
// segment of this session.
func (a *sessionArchive) TimelineNeighbors(ctx context.Context, segmentID string, window int) ([]store.Neighbor, error) {
	if window <= 0 {
		return nil, nil
	}
	q := a.s.getQuerier(ctx)

	var center int64
	err := q.QueryRow(ctx, `
		SELECT seq FROM threadline_segments
		WHERE id = $1 AND session_id = $2`,
		segmentID, a.sessionID).Scan(&center)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate segment: %w", err)
	}

	rows, err := q.Query(ctx, `
		SELECT id, session_id, seq, role, content, created_at
		FROM threadline_segments
		WHERE session_id = $1 AND seq BETWEEN $2 AND $3 AND id != $4
		ORDER BY seq`,
		a.sessionID, center-int64(window), center+int64(window), segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []store.Neighbor
	for rows.Next() {
		var seg store.Segment
		err := rows.Scan(&seg.ID, &seg.SessionID, &seg.Seq, &seg.Role, &seg.Content, &seg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan neighbor: %w", err)
		}
		distance := seg.Seq - center
		if distance < 0 {
			distance = -distance
		}
		neighbors = append(neighbors, store.Neighbor{Segment: seg, Distance: int(distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read neighbors: %w", err)
	}
	return neighbors, nil
}
