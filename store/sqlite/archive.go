package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lodestarhq/threadline/store"
)

// Raw returns an archive handle bound to one session.
func (s *Store) Raw(sessionID string) store.RawArchive {
	return &sessionArchive{s: s, sessionID: sessionID}
}

// Session returns bookkeeping for a session, creating the record on first
// use.
func (s *Store) Session(ctx context.Context, sessionID string) (*store.SessionInfo, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		sessionID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure session: %w", err)
	}

	info := &store.SessionInfo{}
	err = s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at, compaction_count, context_tokens
		FROM sessions WHERE id = ?`,
		sessionID).Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.CompactionCount, &info.ContextTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return info, nil
}

// RecordCompaction persists a compaction event and bumps the session's
// counters in one transaction.
func (s *Store) RecordCompaction(ctx context.Context, event *store.CompactionEvent) error {
	if event == nil {
		return fmt.Errorf("sqlite: compaction event is required")
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO compaction_events (id, session_id, summary, tokens_before, tokens_after, strategy, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.SessionID, event.Summary, event.TokensBefore, event.TokensAfter,
		event.Strategy, event.DurationMs, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert compaction event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at, compaction_count, context_tokens)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			compaction_count = compaction_count + 1,
			context_tokens = excluded.context_tokens,
			updated_at = excluded.updated_at`,
		event.SessionID, event.CreatedAt, event.CreatedAt, event.TokensAfter)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
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

// AddSegmentLite appends a segment without an embedding. The FTS index is
// maintained by trigger; embeddings arrive later via BackfillEmbeddings.
func (a *sessionArchive) AddSegmentLite(ctx context.Context, role, content string) error {
	now := a.s.now().UTC()

	tx, err := a.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM segments WHERE session_id = ?`,
		a.sessionID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO segments (id, session_id, seq, role, content, content_hash, embedded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		uuid.New().String(), a.sessionID, seq, role, content, contentHash(role, content), now)
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsArchived reports whether an identical role/content pair already exists
// in this session's archive.
func (a *sessionArchive) IsArchived(ctx context.Context, role, content string) (bool, error) {
	var exists bool
	err := a.s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM segments WHERE session_id = ? AND content_hash = ?)`,
		a.sessionID, contentHash(role, content)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check archive: %w", err)
	}
	return exists, nil
}

// HybridSearch blends FTS5 and sqlite-vec retrieval. Embedding failures
// degrade the query to lexical-only rather than failing it.
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

	if match := ftsQuery(query); match != "" {
		rows, err := a.s.db.QueryContext(ctx, `
			SELECT s.id, s.session_id, s.seq, s.role, s.content, s.created_at, -bm25(segments_fts)
			FROM segments_fts
			JOIN segments s ON s.rowid = segments_fts.rowid
			WHERE segments_fts MATCH ? AND s.session_id = ?
			ORDER BY bm25(segments_fts)
			LIMIT ?`,
			match, a.sessionID, limit*4)
		if err != nil {
			return nil, fmt.Errorf("failed to run lexical search: %w", err)
		}
		for rows.Next() {
			var c store.Candidate
			err := rows.Scan(&c.Segment.ID, &c.Segment.SessionID, &c.Segment.Seq,
				&c.Segment.Role, &c.Segment.Content, &c.Segment.CreatedAt, &c.Lexical)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan lexical result: %w", err)
			}
			candidates[c.Segment.ID] = &c
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read lexical results: %w", err)
		}
		rows.Close()
	}

	if weights.Vector > 0 {
		vec, err := a.s.embedder.Embed(ctx, query)
		if err != nil {
			a.s.logger.Warn("query embedding failed, falling back to lexical search",
				"session_id", a.sessionID, "error", err)
			weights = store.Weights{Lexical: 1}
		} else if err := a.mergeVectorMatches(ctx, vec, limit, candidates); err != nil {
			return nil, err
		}
	}

	list := make([]store.Candidate, 0, len(candidates))
	for _, c := range candidates {
		list = append(list, *c)
	}
	return store.Blend(list, weights, minScore, limit, a.s.now()), nil
}

// mergeVectorMatches runs a KNN query and folds cosine similarities into
// the candidate set. The KNN cursor is drained before segment rows are
// fetched because the store runs on a single connection.
func (a *sessionArchive) mergeVectorMatches(ctx context.Context, vec []float32, limit int, candidates map[string]*store.Candidate) error {
	k := limit * 8
	if k < 32 {
		k = 32
	}

	rows, err := a.s.db.QueryContext(ctx, `
		SELECT rowid, distance FROM segment_vectors
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`,
		store.EncodeVector(vec), k)
	if err != nil {
		return fmt.Errorf("failed to run vector search: %w", err)
	}

	similarities := make(map[int64]float64)
	rowids := make([]int64, 0, k)
	for rows.Next() {
		var rowid int64
		var distance float64
		if err := rows.Scan(&rowid, &distance); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan vector result: %w", err)
		}
		// cosine distance is 1 - similarity
		similarities[rowid] = 1 - distance
		rowids = append(rowids, rowid)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to read vector results: %w", err)
	}
	rows.Close()

	if len(rowids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rowids)), ",")
	args := make([]any, 0, len(rowids)+1)
	args = append(args, a.sessionID)
	for _, rowid := range rowids {
		args = append(args, rowid)
	}

	segRows, err := a.s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT rowid, id, session_id, seq, role, content, created_at
		FROM segments WHERE session_id = ? AND rowid IN (%s)`, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("failed to resolve vector matches: %w", err)
	}
	defer segRows.Close()

	for segRows.Next() {
		var rowid int64
		var seg store.Segment
		err := segRows.Scan(&rowid, &seg.ID, &seg.SessionID, &seg.Seq,
			&seg.Role, &seg.Content, &seg.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to scan vector match: %w", err)
		}
		if c, ok := candidates[seg.ID]; ok {
			c.Vector = similarities[rowid]
		} else {
			candidates[seg.ID] = &store.Candidate{Segment: seg, Vector: similarities[rowid]}
		}
	}
	if err := segRows.Err(); err != nil {
		return fmt.Errorf("failed to read vector matches: %w", err)
	}
	return nil
}

// TimelineNeighbors returns segments within the Seq window around a
// segment of this session.
func (a *sessionArchive) TimelineNeighbors(ctx context.Context, segmentID string, window int) ([]store.Neighbor, error) {
	if window <= 0 {
		return nil, nil
	}

	var center int64
	err := a.s.db.QueryRowContext(ctx,
		`SELECT seq FROM segments WHERE id = ? AND session_id = ?`,
		segmentID, a.sessionID).Scan(&center)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to locate segment: %w", err)
	}

	rows, err := a.s.db.QueryContext(ctx, `
		SELECT id, session_id, seq, role, content, created_at
		FROM segments
		WHERE session_id = ? AND seq BETWEEN ? AND ? AND id != ?
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
