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

const jobColumns = `id, skus, scrapers, status, lease_token, lease_expires_at, heartbeat_at,
	attempt_count, max_attempts, backoff_until, runner_name, error_message, test_mode,
	metadata, created_at, updated_at, completed_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	SKUs        []string
	Scrapers    []string
	MaxAttempts int
	TestMode    bool
	Metadata    map[string]any
}

// CreateJob inserts a pending job row and returns it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_jobs (id, skus, scrapers, status, attempt_count, max_attempts, test_mode, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $8)
	`, id, p.SKUs, p.Scrapers, models.StatusPending, p.MaxAttempts, p.TestMode, metaJSON, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		SKUs:        p.SKUs,
		Scrapers:    p.Scrapers,
		Status:      models.StatusPending,
		MaxAttempts: p.MaxAttempts,
		TestMode:    p.TestMode,
		Metadata:    p.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically assigns the oldest eligible job to the runner: a
// pending job past its backoff window, or a running job whose lease expired
// without a terminal callback (crashed runner), with attempts remaining either
// way. Expiry is checked here, lazily, at claim time; there is no reaper. The
// claim increments attempt_count, writes a fresh lease, and flips status to
// running in the same statement. Returns ErrNotClaimable when nothing is
// eligible.
func (s *Store) ClaimNextJob(ctx context.Context, runnerName string, leaseDuration time.Duration) (models.Job, error) {
	token := uuid.New().String()
	expires := time.Now().UTC().Add(leaseDuration)

	row := s.pool.QueryRow(ctx, `
		UPDATE scrape_jobs SET
			status = $2,
			lease_token = $3,
			lease_expires_at = $4,
			runner_name = $5,
			attempt_count = attempt_count + 1,
			heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM scrape_jobs
			WHERE (
				(status = $1 AND (backoff_until IS NULL OR backoff_until <= NOW()))
				OR (status = $2 AND lease_expires_at < NOW())
			)
			  AND attempt_count < max_attempts
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, models.StatusPending, models.StatusRunning, token, expires, runnerName)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotClaimable
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// MarkJobRunning refreshes the heartbeat for a running-progress report.
// Lease fields are untouched. Only the job's current holder matches: a
// cancelled or requeued row has no matching token and yields a conflict.
func (s *Store) MarkJobRunning(ctx context.Context, id, leaseToken string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3 AND lease_token = $2
	`, id, leaseToken, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseConflict
	}
	return nil
}

// CompleteJob transitions a job to completed, clearing its lease and stamping
// completion. Only the current holder of a running job completes it; an
// already-completed row still matches so redelivery rewrites the same terminal
// state. Cancelled, pending, and failed rows never match.
func (s *Store) CompleteJob(ctx context.Context, id, leaseToken string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $3,
			lease_token = NULL,
			lease_expires_at = NULL,
			completed_at = COALESCE(completed_at, NOW()),
			heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND ((status = $4 AND lease_token = $2) OR status = $3)
	`, id, leaseToken, models.StatusCompleted, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseConflict
	}
	return nil
}

// RequeueJob returns a failed job to pending with a backoff window. The lease
// and owning runner are cleared; attempt_count stays for the next claim to
// increment. Only the current holder of a running job matches.
func (s *Store) RequeueJob(ctx context.Context, id, leaseToken string, backoffUntil time.Time, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $3,
			lease_token = NULL,
			lease_expires_at = NULL,
			runner_name = NULL,
			backoff_until = $4,
			error_message = $5,
			updated_at = NOW()
		WHERE id = $1 AND status = $6 AND lease_token = $2
	`, id, leaseToken, models.StatusPending, backoffUntil, errorMessage, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseConflict
	}
	return nil
}

// FailJob marks a job terminally failed and clears its lease. Only the current
// holder of a running job matches.
func (s *Store) FailJob(ctx context.Context, id, leaseToken string, errorMessage string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $3,
			lease_token = NULL,
			lease_expires_at = NULL,
			error_message = $4,
			completed_at = COALESCE(completed_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status = $5 AND lease_token = $2
	`, id, leaseToken, models.StatusFailed, errorMessage, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseConflict
	}
	return nil
}

// CancelJob flips a non-terminal job to cancelled and clears the lease. A
// runner calling back later with the stale token gets a conflict.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $2,
			lease_token = NULL,
			lease_expires_at = NULL,
			completed_at = COALESCE(completed_at, NOW()),
			updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusPending, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already terminal.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrNotClaimable
	}
	return nil
}

// ExtendJobLease pushes the lease expiry forward and stamps the heartbeat,
// gated on token equality.
func (s *Store) ExtendJobLease(ctx context.Context, id, leaseToken string, d time.Duration) (time.Time, error) {
	expires := time.Now().UTC().Add(d)
	tag, err := s.pool.Exec(ctx, `
		UPDATE scrape_jobs
		SET lease_expires_at = $3, heartbeat_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND lease_token = $2 AND status = $4
	`, id, leaseToken, expires, models.StatusRunning)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend job lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return time.Time{}, ErrLeaseConflict
	}
	return expires, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job          models.Job
		leaseToken   pgtype.Text
		leaseExpires pgtype.Timestamptz
		heartbeat    pgtype.Timestamptz
		backoff      pgtype.Timestamptz
		runnerName   pgtype.Text
		errMsg       pgtype.Text
		metaJSON     []byte
		completed    pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.SKUs, &job.Scrapers, &job.Status, &leaseToken, &leaseExpires,
		&heartbeat, &job.AttemptCount, &job.MaxAttempts, &backoff, &runnerName, &errMsg,
		&job.TestMode, &metaJSON, &job.CreatedAt, &job.UpdatedAt, &completed)
	if err != nil {
		return models.Job{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &job.Metadata); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	job.LeaseToken = textPtr(leaseToken)
	job.LeaseExpires = tsPtr(leaseExpires)
	job.HeartbeatAt = tsPtr(heartbeat)
	job.BackoffUntil = tsPtr(backoff)
	job.RunnerName = textPtr(runnerName)
	job.ErrorMessage = textPtr(errMsg)
	job.CompletedAt = tsPtr(completed)
	return job, nil
}
