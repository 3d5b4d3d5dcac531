package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"scrape-coordinator/internal/models"
)

// RegisterRunner inserts a runner row with its API key hash. The plaintext key
// is never stored.
func (s *Store) RegisterRunner(ctx context.Context, name, keyHash, keyPrefix string) (models.Runner, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO scraper_runners (id, name, status, api_key_hash, key_prefix, jobs_completed, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, FALSE, $6)
	`, id, name, models.RunnerOffline, keyHash, keyPrefix, now)
	if err != nil {
		return models.Runner{}, fmt.Errorf("insert runner: %w", err)
	}

	return models.Runner{
		ID:        id,
		Name:      name,
		Status:    models.RunnerOffline,
		KeyPrefix: keyPrefix,
		CreatedAt: now,
	}, nil
}

// RunnerNameByKeyHash resolves an API key hash to a runner name, rejecting
// revoked runners. Used by the identity gate.
func (s *Store) RunnerNameByKeyHash(ctx context.Context, keyHash string) (string, error) {
	var name string
	var revoked bool
	err := s.pool.QueryRow(ctx, `
		SELECT name, revoked FROM scraper_runners WHERE api_key_hash = $1
	`, keyHash).Scan(&name, &revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query runner by key hash: %w", err)
	}
	if revoked {
		return "", ErrNotFound
	}
	return name, nil
}

// UpdateRunnerPresence stamps a runner's status, last-seen time, and current
// job. Best-effort telemetry: callers swallow errors.
func (s *Store) UpdateRunnerPresence(ctx context.Context, name, status string, currentJobID *string, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal runner metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scraper_runners
		SET status = $2,
			last_seen_at = NOW(),
			current_job_id = $3,
			metadata = COALESCE($4, metadata)
		WHERE name = $1
	`, name, status, currentJobID, metaJSON)
	if err != nil {
		return fmt.Errorf("update runner presence: %w", err)
	}
	return nil
}

// GetRunner fetches a runner row by name.
func (s *Store) GetRunner(ctx context.Context, name string) (models.Runner, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, status, key_prefix, last_seen_at, current_job_id, jobs_completed, metadata, revoked, created_at
		FROM scraper_runners WHERE name = $1
	`, name)

	var (
		r         models.Runner
		keyPrefix pgtype.Text
		lastSeen  pgtype.Timestamptz
		jobID     pgtype.Text
		metaJSON  []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.Status, &keyPrefix, &lastSeen, &jobID, &r.JobsCompleted, &metaJSON, &r.Revoked, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Runner{}, ErrNotFound
	}
	if err != nil {
		return models.Runner{}, fmt.Errorf("scan runner: %w", err)
	}
	if keyPrefix.Valid {
		r.KeyPrefix = keyPrefix.String
	}
	r.LastSeenAt = tsPtr(lastSeen)
	r.CurrentJobID = textPtr(jobID)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return models.Runner{}, fmt.Errorf("unmarshal runner metadata: %w", err)
		}
	}
	return r, nil
}
