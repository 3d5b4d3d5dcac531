// Package callback is the single mutation ingress for runner reports. Every
// progress, completion, and failure report funnels through Process, which
// applies the lease-gated status transition first and treats everything after
// it as best-effort side effects.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"scrape-coordinator/internal/archive"
	"scrape-coordinator/internal/auth"
	"scrape-coordinator/internal/lifecycle"
	"scrape-coordinator/internal/models"
	"scrape-coordinator/internal/realtime"
	"scrape-coordinator/internal/store"
	"scrape-coordinator/internal/telemetry"
	"scrape-coordinator/internal/testrun"
)

// ErrBadPayload wraps validation failures so the HTTP layer can map them to 400.
var ErrBadPayload = errors.New("invalid callback payload")

// Payload is the wire shape runners POST. Results are optional and only
// meaningful on completion.
type Payload struct {
	JobID        string   `json:"job_id" validate:"required"`
	Status       string   `json:"status" validate:"required,oneof=running completed failed"`
	RunnerName   string   `json:"runner_name,omitempty"`
	LeaseToken   string   `json:"lease_token,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	ChunkIndex   *int     `json:"chunk_index,omitempty"`
	Results      *Results `json:"results,omitempty"`
}

// Results carries what a runner extracted, keyed by SKU. Each per-SKU document
// carries one source's fields, attributed to the first entry of ScrapersRun
// (else the job's first configured scraper) when merged. A runner that ran
// several scrapers nests each scraper's fields under its name instead; the
// merge detects that shape and preserves per-scraper provenance.
type Results struct {
	SKUsProcessed int                       `json:"skus_processed,omitempty"`
	ScrapersRun   []string                  `json:"scrapers_run,omitempty"`
	Data          map[string]map[string]any `json:"data,omitempty"`
}

// Store is the slice of persistence the processor needs.
type Store interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobRunning(ctx context.Context, id, leaseToken string) error
	CompleteJob(ctx context.Context, id, leaseToken string) error
	RequeueJob(ctx context.Context, id, leaseToken string, backoffUntil time.Time, errorMessage string) error
	FailJob(ctx context.Context, id, leaseToken string, errorMessage string) error
	UpdateRunnerPresence(ctx context.Context, name, status string, currentJobID *string, metadata map[string]any) error
	MergeScrapedSources(ctx context.Context, sku string, sources map[string]any) error
	MarkTestRunRunning(ctx context.Context, id, runnerName string) error
	CompleteTestRun(ctx context.Context, id, status string, results []models.SKUResult, runnerName, errorMessage string) error
	GetTestRun(ctx context.Context, id string) (models.TestRun, error)
	InsertScrapeResult(ctx context.Context, jobID string, chunkIndex *int, runnerName string, data any) error
	InsertJobEvent(ctx context.Context, jobID, level, message string, data map[string]any) error
}

// Notifier receives the downstream completion hook for production jobs.
// Invoked at-least-once after the source merge commits.
type Notifier interface {
	JobCompleted(ctx context.Context, job models.Job, data map[string]map[string]any) error
}

// EventPublisher pushes state deltas onto the fan-out change feed.
type EventPublisher interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// Processor applies one callback end to end.
type Processor struct {
	store       Store
	notifier    Notifier
	publisher   EventPublisher
	archiver    archive.Archiver
	logger      *zap.Logger
	validate    *validator.Validate
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewProcessor(st Store, notifier Notifier, publisher EventPublisher, archiver archive.Archiver, logger *zap.Logger, backoffBase, backoffCap time.Duration) *Processor {
	return &Processor{
		store:       st,
		notifier:    notifier,
		publisher:   publisher,
		archiver:    archiver,
		logger:      logger,
		validate:    validator.New(),
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// Decode parses and validates a raw callback body.
func (p *Processor) Decode(raw []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := p.validate.Struct(payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return payload, nil
}

// Process runs the pipeline for one authenticated callback. The status
// transition is authoritative; once it commits, side-effect failures are
// logged and swallowed and the caller still reports success.
func (p *Processor) Process(ctx context.Context, identity auth.Identity, payload Payload, raw []byte) (models.Job, error) {
	job, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			telemetry.CallbacksRejected.WithLabelValues("not_found").Inc()
		}
		return models.Job{}, err
	}

	if !lifecycle.TokenMatches(job, payload.LeaseToken) {
		telemetry.LeaseConflicts.Inc()
		telemetry.CallbacksRejected.WithLabelValues("lease_conflict").Inc()
		return models.Job{}, store.ErrLeaseConflict
	}

	requeued, err := p.transition(ctx, job, payload)
	if err != nil {
		if errors.Is(err, store.ErrLeaseConflict) {
			telemetry.LeaseConflicts.Inc()
			telemetry.CallbacksRejected.WithLabelValues("lease_conflict").Inc()
		}
		return models.Job{}, err
	}
	telemetry.CallbacksAccepted.Inc()

	p.updatePresence(ctx, identity, payload, job)

	terminal := payload.Status != models.StatusRunning && !requeued
	if payload.Status == models.StatusCompleted {
		if job.TestMode {
			p.completeTestRun(ctx, job, payload)
		} else {
			p.mergeResults(ctx, job, payload)
		}
	} else if terminal && job.TestMode {
		p.completeTestRun(ctx, job, payload)
	} else if payload.Status == models.StatusRunning && job.TestMode {
		p.startTestRun(ctx, job, payload)
	}

	p.persistAudit(ctx, payload, raw)
	p.publishDeltas(ctx, job)

	updated, err := p.store.GetJob(ctx, payload.JobID)
	if err != nil {
		return job, nil
	}
	return updated, nil
}

// transition applies step 4 as one conditional update. Returns whether a
// failure report was requeued rather than terminally failed.
func (p *Processor) transition(ctx context.Context, job models.Job, payload Payload) (bool, error) {
	switch payload.Status {
	case models.StatusRunning:
		return false, p.store.MarkJobRunning(ctx, job.ID, payload.LeaseToken)
	case models.StatusCompleted:
		return false, p.store.CompleteJob(ctx, job.ID, payload.LeaseToken)
	case models.StatusFailed:
		out := lifecycle.OnFailure(job, p.backoffBase, p.backoffCap, time.Now())
		if out.Requeue {
			if err := p.store.RequeueJob(ctx, job.ID, payload.LeaseToken, out.BackoffUntil, payload.ErrorMessage); err != nil {
				return false, err
			}
			telemetry.JobsRequeued.Inc()
			return true, nil
		}
		if err := p.store.FailJob(ctx, job.ID, payload.LeaseToken, payload.ErrorMessage); err != nil {
			return false, err
		}
		telemetry.JobsDeadFailed.Inc()
		return false, nil
	default:
		return false, fmt.Errorf("%w: status %q", ErrBadPayload, payload.Status)
	}
}

// updatePresence is step 5: runner telemetry, never gated by the transition.
func (p *Processor) updatePresence(ctx context.Context, identity auth.Identity, payload Payload, job models.Job) {
	name := identity.RunnerName
	if name == "" {
		name = payload.RunnerName
	}
	if name == "" {
		return
	}
	status := models.RunnerOnline
	var current *string
	if payload.Status == models.StatusRunning {
		status = models.RunnerBusy
		current = &job.ID
	}
	if err := p.store.UpdateRunnerPresence(ctx, name, status, current, nil); err != nil {
		telemetry.SideEffectFailures.Inc()
		p.logger.Warn("runner presence update failed", zap.String("runner", name), zap.Error(err))
	}
}

// mergeResults is step 6: additive per-SKU source merge plus the downstream
// completion notification. Production jobs only.
func (p *Processor) mergeResults(ctx context.Context, job models.Job, payload Payload) {
	if payload.Results == nil || len(payload.Results.Data) == 0 {
		return
	}
	source := sourceName(job, payload)
	for sku, doc := range payload.Results.Data {
		sources := map[string]any{source: doc}
		if keyedByScraper(doc, payload.Results.ScrapersRun) {
			sources = doc
		}
		if err := p.store.MergeScrapedSources(ctx, sku, sources); err != nil {
			telemetry.SideEffectFailures.Inc()
			p.logger.Warn("source merge failed",
				zap.String("job_id", job.ID), zap.String("sku", sku), zap.Error(err))
		}
	}
	if p.notifier != nil {
		if err := p.notifier.JobCompleted(ctx, job, payload.Results.Data); err != nil {
			telemetry.SideEffectFailures.Inc()
			p.logger.Warn("completion notification failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// startTestRun moves the run referenced in job metadata out of pending when
// the job's first progress report lands. Already-started runs are untouched.
func (p *Processor) startTestRun(ctx context.Context, job models.Job, payload Payload) {
	runID := job.TestRunID()
	if runID == "" {
		return
	}
	if err := p.store.MarkTestRunRunning(ctx, runID, payload.RunnerName); err != nil {
		telemetry.SideEffectFailures.Inc()
		p.logger.Warn("test run start failed", zap.String("test_run_id", runID), zap.Error(err))
	}
}

// completeTestRun is step 7: derive per-SKU outcomes, compute the verdict,
// persist it against the run referenced in job metadata.
func (p *Processor) completeTestRun(ctx context.Context, job models.Job, payload Payload) {
	runID := job.TestRunID()
	if runID == "" {
		return
	}
	var results []models.SKUResult
	if payload.Results != nil {
		results = testrun.DeriveResults(payload.Results.Data)
	}
	verdict := testrun.Verdict(testrun.Outcomes(results))
	runner := payload.RunnerName
	if err := p.store.CompleteTestRun(ctx, runID, verdict, results, runner, payload.ErrorMessage); err != nil {
		telemetry.SideEffectFailures.Inc()
		p.logger.Warn("test run completion failed", zap.String("test_run_id", runID), zap.Error(err))
	}
}

// persistAudit is step 8: the raw body verbatim into scrape_results, plus an
// error event for failed chunks and optionally an archived copy.
func (p *Processor) persistAudit(ctx context.Context, payload Payload, raw []byte) {
	if err := p.store.InsertScrapeResult(ctx, payload.JobID, payload.ChunkIndex, payload.RunnerName, json.RawMessage(raw)); err != nil {
		telemetry.SideEffectFailures.Inc()
		p.logger.Warn("audit insert failed", zap.String("job_id", payload.JobID), zap.Error(err))
	}
	if payload.Status == models.StatusFailed && payload.ChunkIndex != nil {
		err := p.store.InsertJobEvent(ctx, payload.JobID, "ERROR", payload.ErrorMessage,
			map[string]any{"chunk_index": *payload.ChunkIndex})
		if err != nil {
			telemetry.SideEffectFailures.Inc()
			p.logger.Warn("job event insert failed", zap.String("job_id", payload.JobID), zap.Error(err))
		}
	}
	if p.archiver != nil {
		key := archive.PayloadKey(payload.JobID, time.Now())
		if _, err := p.archiver.Store(ctx, key, raw); err != nil {
			telemetry.SideEffectFailures.Inc()
			p.logger.Warn("payload archive failed", zap.String("job_id", payload.JobID), zap.Error(err))
		}
	}
}

// publishDeltas is step 9: push the fresh job (and test run) onto the change
// feed so every coordinator instance fans it out to its subscribers.
func (p *Processor) publishDeltas(ctx context.Context, job models.Job) {
	if p.publisher == nil {
		return
	}
	fresh, err := p.store.GetJob(ctx, job.ID)
	if err != nil {
		fresh = job
	}
	p.publishEntity(ctx, realtime.JobRoom(fresh.ID), fresh)

	if runID := fresh.TestRunID(); runID != "" {
		run, err := p.store.GetTestRun(ctx, runID)
		if err == nil {
			p.publishEntity(ctx, realtime.TestRoom(run.ID), run)
		}
	}
}

func (p *Processor) publishEntity(ctx context.Context, room string, entity any) {
	body, err := json.Marshal(entity)
	if err != nil {
		return
	}
	ev := realtime.Event{Room: room, Kind: realtime.KindUpdated, Entity: body}
	if err := p.publisher.Publish(ctx, ev); err != nil {
		telemetry.SideEffectFailures.Inc()
		p.logger.Warn("delta publish failed", zap.String("room", room), zap.Error(err))
	}
}

// sourceName picks the source document key for merged fields: the scraper the
// runner reports, else the job's first configured scraper.
func sourceName(job models.Job, payload Payload) string {
	if payload.Results != nil && len(payload.Results.ScrapersRun) > 0 {
		return payload.Results.ScrapersRun[0]
	}
	if len(job.Scrapers) > 0 {
		return job.Scrapers[0]
	}
	return "unknown"
}

// keyedByScraper reports whether a per-SKU document is already keyed by the
// scrapers that ran: a multi-scraper report whose every top-level entry is one
// of ScrapersRun mapping to its own field document. Such a document is merged
// as-is, one source per scraper.
func keyedByScraper(doc map[string]any, scrapersRun []string) bool {
	if len(doc) == 0 || len(scrapersRun) < 2 {
		return false
	}
	ran := make(map[string]bool, len(scrapersRun))
	for _, s := range scrapersRun {
		ran[s] = true
	}
	for name, v := range doc {
		if !ran[name] {
			return false
		}
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}
