package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// queryAll runs query and scans every row into a new T. fields returns the
// scan destinations of a row in column order.
func queryAll[T any](ctx context.Context, db *sql.DB, what, query string, fields func(*T) []any, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*T
	for rows.Next() {
		v := new(T)
		if err := rows.Scan(fields(v)...); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", what, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return out, nil
}

// ShareRepository stores accepted shares.
type ShareRepository struct {
	db *sql.DB
}

func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts share. It reports false when a share with the same
// share id is already stored, which happens on redelivery.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) (bool, error) {
	query := `
		INSERT INTO shares (share_id, job_id, miner, worker, height, difficulty, share_difficulty,
		                    network_difficulty, is_block_candidate, block_hash, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (share_id) DO NOTHING
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.ShareID, share.JobID, share.Miner, share.Worker, share.Height,
		share.Difficulty, share.ShareDifficulty, share.NetworkDifficulty,
		share.IsBlockCandidate, share.BlockHash, share.SubmittedAt,
	).Scan(&share.ID)

	if errors.Is(err, sql.ErrNoRows) || IsUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create share: %w", err)
	}
	return true, nil
}

// GetSharesByMiner returns the latest shares of miner, newest first.
func (r *ShareRepository) GetSharesByMiner(ctx context.Context, miner string, limit int) ([]*Share, error) {
	query := `
		SELECT id, share_id, job_id, miner, worker, height, difficulty, share_difficulty,
		       network_difficulty, is_block_candidate, COALESCE(block_hash, ''), submitted_at
		FROM shares
		WHERE miner = $1
		ORDER BY submitted_at DESC
		LIMIT $2`

	return queryAll(ctx, r.db, "shares", query, func(s *Share) []any {
		return []any{
			&s.ID, &s.ShareID, &s.JobID, &s.Miner, &s.Worker, &s.Height,
			&s.Difficulty, &s.ShareDifficulty, &s.NetworkDifficulty,
			&s.IsBlockCandidate, &s.BlockHash, &s.SubmittedAt,
		}
	}, miner, limit)
}

// MinerStats sums the credited work of miner since the given time.
func (r *ShareRepository) MinerStats(ctx context.Context, miner string, since time.Time) (*MinerStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(difficulty), 0), MAX(submitted_at)
		FROM shares
		WHERE miner = $1 AND submitted_at >= $2`

	stats := &MinerStats{Miner: miner}
	err := r.db.QueryRowContext(ctx, query, miner, since).Scan(&stats.Shares, &stats.Work, &stats.LastShareAt)
	if err != nil {
		return nil, fmt.Errorf("failed to query miner stats: %w", err)
	}
	return stats, nil
}

// BlockRepository stores found blocks and their submission outcome.
type BlockRepository struct {
	db *sql.DB
}

func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// UpsertBlock records block. A candidate row may be promoted to a final
// status, but a final status is never replaced by a later candidate event.
func (r *BlockRepository) UpsertBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (hash, height, share_id, job_id, miner, worker, network_difficulty,
		                    confirmation_data, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hash) DO UPDATE SET
			status = CASE WHEN blocks.status = 'candidate' THEN EXCLUDED.status ELSE blocks.status END,
			updated_at = now()
		RETURNING id, status`

	err := r.db.QueryRowContext(ctx, query,
		block.Hash, block.Height, block.ShareID, block.JobID, block.Miner, block.Worker,
		block.NetworkDifficulty, block.ConfirmationData, block.Status, block.FoundAt,
	).Scan(&block.ID, &block.Status)

	if err != nil {
		return fmt.Errorf("failed to upsert block: %w", err)
	}
	return nil
}

// GetRecentBlocks returns the latest blocks, newest first.
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	query := `
		SELECT id, hash, height, share_id, job_id, miner, worker, network_difficulty,
		       confirmation_data, status, found_at, updated_at
		FROM blocks
		ORDER BY height DESC
		LIMIT $1`

	return queryAll(ctx, r.db, "blocks", query, func(b *Block) []any {
		return []any{
			&b.ID, &b.Hash, &b.Height, &b.ShareID, &b.JobID,
			&b.Miner, &b.Worker, &b.NetworkDifficulty, &b.ConfirmationData,
			&b.Status, &b.FoundAt, &b.UpdatedAt,
		}
	}, limit)
}
