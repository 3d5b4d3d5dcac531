package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// MergeScrapedSources merges one SKU's freshly scraped per-scraper fields into
// its accumulated source document. The jsonb concatenation is keyed by scraper
// name, so sibling sources survive and replaying the same payload yields a
// byte-identical document.
func (s *Store) MergeScrapedSources(ctx context.Context, sku string, sources map[string]any) error {
	srcJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO products_ingestion (sku, sources, pipeline_status, last_scraped_at, updated_at)
		VALUES ($1, $2, 'scraped', NOW(), NOW())
		ON CONFLICT (sku) DO UPDATE SET
			sources = products_ingestion.sources || EXCLUDED.sources,
			pipeline_status = 'scraped',
			last_scraped_at = NOW(),
			updated_at = NOW()
	`, sku, srcJSON)
	if err != nil {
		return fmt.Errorf("merge sources for %s: %w", sku, err)
	}
	return nil
}

// ProductSources returns the accumulated source document for a SKU, or nil if
// the SKU has never been scraped.
func (s *Store) ProductSources(ctx context.Context, sku string) (map[string]any, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT sources FROM products_ingestion WHERE sku = $1
	`, sku).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	var sources map[string]any
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	return sources, nil
}

// InsertScrapeResult persists a raw callback result payload for audit.
func (s *Store) InsertScrapeResult(ctx context.Context, jobID string, chunkIndex *int, runnerName string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal result data: %w", err)
	}
	var idx pgtype.Int4
	if chunkIndex != nil {
		idx = pgtype.Int4{Int32: int32(*chunkIndex), Valid: true}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO scrape_results (job_id, chunk_index, runner_name, data, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, idx, runnerName, dataJSON)
	if err != nil {
		return fmt.Errorf("insert scrape result: %w", err)
	}
	return nil
}

// InsertJobEvent appends a structured event row for a job. Error events that
// carry a chunk_index feed the derived chunk status.
func (s *Store) InsertJobEvent(ctx context.Context, jobID, level, message string, data map[string]any) error {
	var dataJSON []byte
	if data != nil {
		var err error
		dataJSON, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scrape_job_events (job_id, level, message, data, created_at)
		VALUES ($1, $2, $3, COALESCE($4, '{}'::jsonb), NOW())
	`, jobID, level, message, dataJSON)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}
