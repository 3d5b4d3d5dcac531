// Package runner is the reference runner: it polls the coordinator for jobs,
// works through chunk leases one at a time, and reports results through the
// callback ingress. Scraping itself is behind the Scraper interface.
package runner

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"scrape-coordinator/internal/callback"
	"scrape-coordinator/internal/config"
	"scrape-coordinator/internal/models"
)

// Runner drives the poll/claim/scrape/report loop.
type Runner struct {
	cfg     config.Config
	client  *Client
	scraper Scraper
	logger  *zap.Logger
}

func New(cfg config.Config, client *Client, scraper Scraper, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, client: client, scraper: scraper, logger: logger}
}

// Run polls until context cancellation. Each claimed job is worked to a
// terminal callback before the next poll.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RunnerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		polled, err := r.client.Poll(ctx, r.cfg.RunnerName)
		if err != nil {
			r.logger.Warn("poll failed", zap.Error(err))
			continue
		}
		if polled == nil || polled.LeaseToken == nil {
			continue
		}
		r.workJob(ctx, polled.Job, *polled.LeaseToken)
	}
}

func (r *Runner) workJob(ctx context.Context, job models.Job, leaseToken string) {
	logger := r.logger.With(zap.String("job_id", job.ID))
	logger.Info("claimed job", zap.Int("skus", len(job.SKUs)), zap.Strings("scrapers", job.Scrapers))

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A lost heartbeat means a new owner exists; cancel all chunk work.
	go r.heartbeatLoop(jobCtx, cancel, job.ID, leaseToken)

	if err := r.client.Callback(jobCtx, callback.Payload{
		JobID:      job.ID,
		Status:     models.StatusRunning,
		RunnerName: r.cfg.RunnerName,
		LeaseToken: leaseToken,
	}); err != nil {
		logger.Warn("running callback failed", zap.Error(err))
		if errors.Is(err, ErrLeaseLost) {
			return
		}
	}

	data, workErr := r.workChunks(jobCtx, job, logger)
	if errors.Is(workErr, ErrLeaseLost) || (jobCtx.Err() != nil && ctx.Err() == nil) {
		logger.Warn("lease lost, abandoning job")
		return
	}

	report := callback.Payload{
		JobID:      job.ID,
		Status:     models.StatusCompleted,
		RunnerName: r.cfg.RunnerName,
		LeaseToken: leaseToken,
		Results: &callback.Results{
			SKUsProcessed: len(data),
			ScrapersRun:   job.Scrapers,
			Data:          data,
		},
	}
	if workErr != nil {
		report.Status = models.StatusFailed
		report.ErrorMessage = workErr.Error()
	}

	cancel()
	if err := r.client.Callback(ctx, report); err != nil {
		logger.Warn("final callback failed", zap.Error(err))
		return
	}
	logger.Info("job reported", zap.String("status", report.Status), zap.Int("skus_processed", len(data)))
}

// workChunks claims and processes the job's chunks one at a time. Chunks
// already held by another runner are skipped, not fought over.
func (r *Runner) workChunks(ctx context.Context, job models.Job, logger *zap.Logger) (map[string]map[string]any, error) {
	chunks, err := r.client.ListChunks(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	data := make(map[string]map[string]any)
	for _, c := range chunks {
		// Failed chunks are retryable; done and actively-leased ones are not.
		if c.Status == models.ChunkDone || c.Status == models.ChunkActive {
			continue
		}
		lease, err := r.client.ClaimChunk(ctx, c.ChunkID)
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return data, err
		}

		if err := r.scrapeChunk(ctx, job, c.Chunk, lease, data); err != nil {
			return data, err
		}
		if err := r.client.ReleaseChunk(ctx, c.ChunkID, lease.Token); err != nil && !errors.Is(err, ErrLeaseLost) {
			logger.Warn("chunk release failed", zap.String("chunk_id", c.ChunkID), zap.Error(err))
		}
	}
	return data, nil
}

func (r *Runner) scrapeChunk(ctx context.Context, job models.Job, c models.Chunk, lease models.Lease, data map[string]map[string]any) error {
	renewAt := lease.ExpiresAt.Add(-30 * time.Second)
	for _, sku := range c.SKUs {
		if time.Now().After(renewAt) {
			renewed, err := r.client.RenewChunk(ctx, c.ChunkID, lease.Token)
			if err != nil {
				return err
			}
			lease = renewed
			renewAt = lease.ExpiresAt.Add(-30 * time.Second)
		}
		for _, scraper := range job.Scrapers {
			fields, err := r.scraper.Scrape(ctx, scraper, sku)
			if err != nil {
				return err
			}
			doc, ok := data[sku]
			if !ok {
				doc = make(map[string]any, len(fields))
				data[sku] = doc
			}
			// A multi-scraper job keeps each scraper's fields under its own
			// name so the merge records which source produced what. A single
			// scraper reports its fields flat, attributed via scrapers_run.
			if len(job.Scrapers) > 1 {
				doc[scraper] = fields
			} else {
				for k, v := range fields {
					doc[k] = v
				}
			}
		}
	}
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID, leaseToken string) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := r.client.Heartbeat(ctx, jobID, leaseToken); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				r.logger.Warn("heartbeat rejected, stopping work", zap.String("job_id", jobID))
				cancel()
				return
			}
			r.logger.Warn("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
}
