package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lodestarhq/threadline/store"
)

// PruneSegments deletes segments older than the cutoff.
func (s *Store) PruneSegments(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM threadline_segments WHERE created_at < $1`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete segments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeactivateFacts marks facts older than the cutoff inactive.
func (s *Store) DeactivateFacts(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx,
		`UPDATE threadline_facts SET active = FALSE WHERE active AND created_at < $1`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate facts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// BackfillEmbeddings embeds up to batchSize segments stored without an
// embedding. Embedding runs between statements so a slow provider never
// pins a pooled connection.
func (s *Store) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil || batchSize <= 0 {
		return 0, nil
	}
	q := s.getQuerier(ctx)

	rows, err := q.Query(ctx, `
		SELECT id, content FROM threadline_segments
		WHERE embedding IS NULL
		ORDER BY created_at
		LIMIT $1`,
		batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending segments: %w", err)
	}
	type pending struct {
		id      string
		content string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan pending segment: %w", err)
		}
		batch = append(batch, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to read pending segments: %w", err)
	}
	rows.Close()

	count := 0
	for _, p := range batch {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		vec, err := s.embedder.Embed(ctx, p.content)
		if err != nil {
			return count, fmt.Errorf("failed to embed segment: %w", err)
		}
		if s.dimensions > 0 && len(vec) != s.dimensions {
			return count, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), s.dimensions)
		}

		_, err = q.Exec(ctx,
			`UPDATE threadline_segments SET embedding = $1 WHERE id = $2`,
			store.EncodeVector(vec), p.id)
		if err != nil {
			return count, fmt.Errorf("failed to store embedding: %w", err)
		}
		count++
	}
	return count, nil
}

// AcquireSweepLock takes the maintenance lock for ttl. An expired lock can
// be stolen; a live lock held by someone else cannot. Expiry is judged by
// the database clock so distributed sweepers agree on it.
func (s *Store) AcquireSweepLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.getQuerier(ctx).Exec(ctx, `
		INSERT INTO threadline_sweep_locks (name, holder, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE threadline_sweep_locks.holder = excluded.holder
			OR threadline_sweep_locks.expires_at < now()`,
		sweepLockName, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseSweepLock releases the maintenance lock if held by holder.
func (s *Store) ReleaseSweepLock(ctx context.Context, holder string) error {
	_, err := s.getQuerier(ctx).Exec(ctx,
		`DELETE FROM threadline_sweep_locks WHERE name = $1 AND holder = $2`,
		sweepLockName, holder)
	if err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
