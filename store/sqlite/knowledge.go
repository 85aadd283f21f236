package sqlite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/lodestarhq/threadline/store"
)

// AddFact stores a fact, deduplicating by content hash. Returns false when
// an identical fact is already present.
func (s *Store) AddFact(ctx context.Context, fact *store.Fact) (bool, error) {
	if fact == nil {
		return false, fmt.Errorf("sqlite: fact is required")
	}
	if fact.ID == "" {
		fact.ID = uuid.New().String()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = s.now().UTC()
	}

	hash := sha256.Sum256([]byte(fact.Content))
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (id, source, title, content, content_hash, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING`,
		fact.ID, fact.Source, fact.Title, fact.Content,
		hex.EncodeToString(hash[:]), fact.Active, fact.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert fact: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return inserted > 0, nil
}

// Search returns the most relevant active facts for a query, best match
// first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]store.Fact, error) {
	if limit <= 0 {
		return nil, nil
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT f.id, f.source, f.title, f.content, f.active, f.created_at
		FROM facts_fts
		JOIN facts f ON f.rowid = facts_fts.rowid
		WHERE facts_fts MATCH ? AND f.active = 1
		ORDER BY bm25(facts_fts)
		LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search facts: %w", err)
	}
	defer rows.Close()

	var facts []store.Fact
	for rows.Next() {
		var fact store.Fact
		err := rows.Scan(&fact.ID, &fact.Source, &fact.Title, &fact.Content, &fact.Active, &fact.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read facts: %w", err)
	}
	return facts, nil
}

// Stats reports fact counts.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(active), 0) FROM facts`).Scan(&stats.Total, &stats.Active)
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to count facts: %w", err)
	}
	return stats, nil
}
