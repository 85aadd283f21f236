package postgres

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
		return false, fmt.Errorf("postgres: fact is required")
	}
	if fact.ID == "" {
		fact.ID = uuid.New().String()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = s.now().UTC()
	}

	hash := sha256.Sum256([]byte(fact.Content))
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		INSERT INTO threadline_facts (id, source, title, content, content_hash, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (content_hash) DO NOTHING`,
		fact.ID, fact.Source, fact.Title, fact.Content,
		hex.EncodeToString(hash[:]), fact.Active, fact.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert fact: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return false, nil
	}
	s.publish(ctx, "fact_added", "", map[string]any{"source": fact.Source})
	return true, nil
}

// Search returns the most relevant active facts for a query, best match
// first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]store.Fact, error) {
	if limit <= 0 || query == "" {
		return nil, nil
	}

	rows, err := s.getQuerier(ctx).Query(ctx, `
		SELECT id, source, title, content, active, created_at
		FROM threadline_facts
		WHERE active AND tsv @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $2`,
		query, limit)
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
	err := s.getQuerier(ctx).QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active)
		FROM threadline_facts`).Scan(&stats.Total, &stats.Active)
	if err != nil {
		return store.Stats{}, fmt.Errorf("failed to count facts: %w", err)
	}
	return stats, nil
}
