package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"scrape-coordinator/internal/models"
)

// InsertChunks fans a job out into chunk rows for the given attempt number.
// Chunk rows are append-only: a job retry inserts a fresh generation instead of
// mutating the old one.
func (s *Store) InsertChunks(ctx context.Context, jobID string, attempt int, partitions [][]string) ([]models.Chunk, error) {
	now := time.Now().UTC()
	chunks := make([]models.Chunk, 0, len(partitions))

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for i, skus := range partitions {
		c := models.Chunk{
			ChunkID:    uuid.New().String(),
			JobID:      jobID,
			ChunkIndex: i,
			Attempt:    attempt,
			SKUs:       skus,
			CreatedAt:  now,
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO scrape_job_chunks (chunk_id, job_id, chunk_index, attempt, skus, retry_count, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6)
		`, c.ChunkID, c.JobID, c.ChunkIndex, c.Attempt, c.SKUs, c.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", i, err)
		}
		chunks = append(chunks, c)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return chunks, nil
}

// ClaimChunk leases a chunk to a runner iff it is unowned or its lease has
// expired. The compare-and-swap is one conditional UPDATE so two concurrent
// claimants can never both win.
func (s *Store) ClaimChunk(ctx context.Context, chunkID, runnerName string, leaseDuration time.Duration) (models.Lease, error) {
	token := uuid.New().String()
	expires := time.Now().UTC().Add(leaseDuration)

	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_job_chunks
		SET lease_token = $2,
			lease_expires_at = $3,
			claimed_by = $4,
			retry_count = retry_count + CASE WHEN lease_token IS NULL THEN 0 ELSE 1 END
		WHERE chunk_id = $1
		  AND (lease_token IS NULL OR lease_expires_at < NOW())
	`, chunkID, token, expires, runnerName)
	if err != nil {
		return models.Lease{}, fmt.Errorf("claim chunk: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetChunk(ctx, chunkID); err != nil {
			return models.Lease{}, err
		}
		return models.Lease{}, ErrNotClaimable
	}
	return models.Lease{Token: token, ExpiresAt: expires}, nil
}

// RenewChunkLease extends a lease iff the supplied token still matches.
// A mismatch means the caller lost the chunk and must stop work.
func (s *Store) RenewChunkLease(ctx context.Context, chunkID, token string, leaseDuration time.Duration) (models.Lease, error) {
	expires := time.Now().UTC().Add(leaseDuration)
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_job_chunks
		SET lease_expires_at = $3
		WHERE chunk_id = $1 AND lease_token = $2
	`, chunkID, token, expires)
	if err != nil {
		return models.Lease{}, fmt.Errorf("renew chunk lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetChunk(ctx, chunkID); err != nil {
			return models.Lease{}, err
		}
		return models.Lease{}, ErrLeaseConflict
	}
	return models.Lease{Token: token, ExpiresAt: expires}, nil
}

// ReleaseChunkLease clears the lease on graceful completion. A stale token is
// a silent no-op: someone else already reclaimed the chunk and their lease must
// not be disturbed.
func (s *Store) ReleaseChunkLease(ctx context.Context, chunkID, token string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scrape_job_chunks
		SET lease_token = NULL, lease_expires_at = NULL
		WHERE chunk_id = $1 AND lease_token = $2
	`, chunkID, token)
	if err != nil {
		return fmt.Errorf("release chunk lease: %w", err)
	}
	return nil
}

// GetChunk fetches a single chunk row.
func (s *Store) GetChunk(ctx context.Context, chunkID string) (models.Chunk, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT chunk_id, job_id, chunk_index, attempt, skus, lease_token, lease_expires_at, claimed_by, retry_count, created_at
		FROM scrape_job_chunks WHERE chunk_id = $1
	`, chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chunk{}, ErrNotFound
	}
	if err != nil {
		return models.Chunk{}, fmt.Errorf("scan chunk: %w", err)
	}
	return c, nil
}

// ListChunks returns all chunk rows of a job ordered by attempt, then index.
func (s *Store) ListChunks(ctx context.Context, jobID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, job_id, chunk_index, attempt, skus, lease_token, lease_expires_at, claimed_by, retry_count, created_at
		FROM scrape_job_chunks WHERE job_id = $1
		ORDER BY attempt, chunk_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ChunkFacts returns the two authoritative presence sets the derived chunk
// status projection needs: indices with a result row, and indices referenced by
// an error event.
func (s *Store) ChunkFacts(ctx context.Context, jobID string) (done map[int]bool, failed map[int]bool, err error) {
	done = make(map[int]bool)
	failed = make(map[int]bool)

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT chunk_index FROM scrape_results
		WHERE job_id = $1 AND chunk_index IS NOT NULL
	`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("query result indices: %w", err)
	}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan result index: %w", err)
		}
		done[idx] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT DISTINCT (data->>'chunk_index')::int FROM scrape_job_events
		WHERE job_id = $1 AND level = 'ERROR' AND data ? 'chunk_index'
	`, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("query error indices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, nil, fmt.Errorf("scan error index: %w", err)
		}
		failed[idx] = true
	}
	return done, failed, rows.Err()
}

func scanChunk(row pgx.Row) (models.Chunk, error) {
	var (
		c            models.Chunk
		leaseToken   pgtype.Text
		leaseExpires pgtype.Timestamptz
		claimedBy    pgtype.Text
	)
	err := row.Scan(&c.ChunkID, &c.JobID, &c.ChunkIndex, &c.Attempt, &c.SKUs,
		&leaseToken, &leaseExpires, &claimedBy, &c.RetryCount, &c.CreatedAt)
	if err != nil {
		return models.Chunk{}, err
	}
	c.LeaseToken = textPtr(leaseToken)
	c.LeaseExpires = tsPtr(leaseExpires)
	c.ClaimedBy = textPtr(claimedBy)
	return c, nil
}
