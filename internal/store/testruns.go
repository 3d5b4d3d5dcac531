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

// CreateTestRun inserts a pending test run for a test-mode job.
func (s *Store) CreateTestRun(ctx context.Context, scraper string, skus []models.TestSKU) (models.TestRun, error) {
	skusJSON, err := json.Marshal(skus)
	if err != nil {
		return models.TestRun{}, fmt.Errorf("marshal test skus: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scraper_test_runs (id, scraper, skus, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, scraper, skusJSON, models.TestRunPending, now)
	if err != nil {
		return models.TestRun{}, fmt.Errorf("insert test run: %w", err)
	}

	return models.TestRun{
		ID:        id,
		Scraper:   scraper,
		SKUs:      skus,
		Status:    models.TestRunPending,
		CreatedAt: now,
	}, nil
}

// GetTestRun fetches a test run by id.
func (s *Store) GetTestRun(ctx context.Context, id string) (models.TestRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, scraper, skus, status, results, error_message, runner_name, created_at, completed_at
		FROM scraper_test_runs WHERE id = $1
	`, id)

	var (
		tr          models.TestRun
		skusJSON    []byte
		resultsJSON []byte
		errMsg      pgtype.Text
		runnerName  pgtype.Text
		completed   pgtype.Timestamptz
	)
	err := row.Scan(&tr.ID, &tr.Scraper, &skusJSON, &tr.Status, &resultsJSON, &errMsg, &runnerName, &tr.CreatedAt, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TestRun{}, ErrNotFound
	}
	if err != nil {
		return models.TestRun{}, fmt.Errorf("scan test run: %w", err)
	}
	if len(skusJSON) > 0 {
		if err := json.Unmarshal(skusJSON, &tr.SKUs); err != nil {
			return models.TestRun{}, fmt.Errorf("unmarshal test skus: %w", err)
		}
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &tr.Results); err != nil {
			return models.TestRun{}, fmt.Errorf("unmarshal results: %w", err)
		}
	}
	tr.ErrorMessage = textPtr(errMsg)
	tr.RunnerName = textPtr(runnerName)
	tr.CompletedAt = tsPtr(completed)
	return tr, nil
}

// MarkTestRunRunning flips a pending test run to running when its job's first
// progress report arrives. A run that already started or finished is left
// alone, so redelivered progress reports are no-ops.
func (s *Store) MarkTestRunRunning(ctx context.Context, id, runnerName string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scraper_test_runs
		SET status = $2, runner_name = COALESCE(NULLIF($3, ''), runner_name)
		WHERE id = $1 AND status = $4
	`, id, models.TestRunRunning, runnerName, models.TestRunPending)
	if err != nil {
		return fmt.Errorf("mark test run running: %w", err)
	}
	return nil
}

// CompleteTestRun persists the aggregated verdict and per-SKU results. The
// verdict is always recomputed from the results, never hand-set, so a replayed
// callback rewrites the same values.
func (s *Store) CompleteTestRun(ctx context.Context, id, status string, results []models.SKUResult, runnerName, errorMessage string) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_test_runs
		SET status = $2,
			results = $3,
			runner_name = NULLIF($4, ''),
			error_message = NULLIF($5, ''),
			completed_at = COALESCE(completed_at, NOW())
		WHERE id = $1
	`, id, status, resultsJSON, runnerName, errorMessage)
	if err != nil {
		return fmt.Errorf("complete test run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
