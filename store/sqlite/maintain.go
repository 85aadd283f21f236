package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/lodestarhq/threadline/store"
)

// PruneSegments deletes segments older than the cutoff along with their
// vector rows. FTS rows are removed by trigger.
func (s *Store) PruneSegments(ctx context.Context, olderThan time.Time) (int, error) {
	cutoff := olderThan.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.vecEnabled {
		rows, err := tx.QueryContext(ctx,
			`SELECT rowid FROM segments WHERE created_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to list prunable segments: %w", err)
		}
		var rowids []int64
		for rows.Next() {
			var rowid int64
			if err := rows.Scan(&rowid); err != nil {
				rows.Close()
				return 0, fmt.Errorf("failed to scan segment rowid: %w", err)
			}
			rowids = append(rowids, rowid)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to read prunable segments: %w", err)
		}
		rows.Close()

		// vec0 tables only support deletion by rowid
		for _, rowid := range rowids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM segment_vectors WHERE rowid = ?`, rowid); err != nil {
				return 0, fmt.Errorf("failed to delete segment vector: %w", err)
			}
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete segments: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(pruned), nil
}

// DeactivateFacts marks facts older than the cutoff inactive.
func (s *Store) DeactivateFacts(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET active = 0 WHERE active = 1 AND created_at < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate facts: %w", err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read update result: %w", err)
	}
	return int(changed), nil
}

// BackfillEmbeddings embeds up to batchSize segments stored without a
// vector row. Embedding runs outside any transaction so a slow provider
// never holds the database lock.
func (s *Store) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if s.embedder == nil || !s.vecEnabled || batchSize <= 0 {
		return 0, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, content FROM segments WHERE embedded = 0 ORDER BY rowid LIMIT ?`,
		batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending segments: %w", err)
	}
	type pending struct {
		rowid   int64
		content string
	}
	var batch []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.rowid, &p.content); err != nil {
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
		if len(vec) != s.dimensions {
			return count, fmt.Errorf("embedding has %d dimensions, expected %d", len(vec), s.dimensions)
		}

		if err := s.storeEmbedding(ctx, p.rowid, vec); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// storeEmbedding writes one vector row. vec0 has no UPDATE, so a stale row
// from an interrupted backfill is deleted first.
func (s *Store) storeEmbedding(ctx context.Context, rowid int64, vec []float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM segment_vectors WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("failed to clear segment vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO segment_vectors (rowid, embedding) VALUES (?, ?)`,
		rowid, store.EncodeVector(vec)); err != nil {
		return fmt.Errorf("failed to insert segment vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE segments SET embedded = 1 WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("failed to mark segment embedded: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AcquireSweepLock takes the maintenance lock for ttl. An expired lock can
// be stolen; a live lock held by someone else cannot.
func (s *Store) AcquireSweepLock(ctx context.Context, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_locks (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE sweep_locks.holder = excluded.holder OR sweep_locks.expires_at < ?`,
		sweepLockName, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	acquired, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock result: %w", err)
	}
	return acquired > 0, nil
}

// ReleaseSweepLock releases the maintenance lock if held by holder.
func (s *Store) ReleaseSweepLock(ctx context.Context, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sweep_locks WHERE name = ? AND holder = ?`,
		sweepLockName, holder)
	if err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
