package callback

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"scrape-coordinator/internal/auth"
	"scrape-coordinator/internal/models"
	"scrape-coordinator/internal/realtime"
	"scrape-coordinator/internal/store"
)

type fakeStore struct {
	jobs     map[string]models.Job
	testRuns map[string]models.TestRun

	completed  []string
	requeued   []string
	failed     []string
	running    []string
	merged     map[string]map[string]any // sku -> sources
	mergeErr   error
	presence   []string
	runStarted []string
	runVerdict string
	runResults []models.SKUResult
	audits     int
	events     []map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]models.Job),
		testRuns: make(map[string]models.TestRun),
		merged:   make(map[string]map[string]any),
	}
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) MarkJobRunning(_ context.Context, id, _ string) error {
	f.running = append(f.running, id)
	return nil
}

func (f *fakeStore) CompleteJob(_ context.Context, id, _ string) error {
	f.completed = append(f.completed, id)
	job := f.jobs[id]
	job.Status = models.StatusCompleted
	job.LeaseToken = nil
	f.jobs[id] = job
	return nil
}

func (f *fakeStore) RequeueJob(_ context.Context, id, _ string, _ time.Time, _ string) error {
	f.requeued = append(f.requeued, id)
	return nil
}

func (f *fakeStore) FailJob(_ context.Context, id, _ string, _ string) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeStore) UpdateRunnerPresence(_ context.Context, name, _ string, _ *string, _ map[string]any) error {
	f.presence = append(f.presence, name)
	return nil
}

func (f *fakeStore) MergeScrapedSources(_ context.Context, sku string, sources map[string]any) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged[sku] = sources
	return nil
}

func (f *fakeStore) MarkTestRunRunning(_ context.Context, id, _ string) error {
	f.runStarted = append(f.runStarted, id)
	run := f.testRuns[id]
	if run.Status == models.TestRunPending || run.Status == "" {
		run.Status = models.TestRunRunning
		f.testRuns[id] = run
	}
	return nil
}

func (f *fakeStore) CompleteTestRun(_ context.Context, id, status string, results []models.SKUResult, _, _ string) error {
	f.runVerdict = status
	f.runResults = results
	run := f.testRuns[id]
	run.Status = status
	f.testRuns[id] = run
	return nil
}

func (f *fakeStore) GetTestRun(_ context.Context, id string) (models.TestRun, error) {
	run, ok := f.testRuns[id]
	if !ok {
		return models.TestRun{}, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) InsertScrapeResult(_ context.Context, _ string, _ *int, _ string, _ any) error {
	f.audits++
	return nil
}

func (f *fakeStore) InsertJobEvent(_ context.Context, _, _, _ string, data map[string]any) error {
	f.events = append(f.events, data)
	return nil
}

type fakePublisher struct {
	rooms []string
}

func (p *fakePublisher) Publish(_ context.Context, ev realtime.Event) error {
	p.rooms = append(p.rooms, ev.Room)
	return nil
}

type fakeNotifier struct {
	calls int
}

func (n *fakeNotifier) JobCompleted(context.Context, models.Job, map[string]map[string]any) error {
	n.calls++
	return nil
}

func strPtr(s string) *string { return &s }

func newTestProcessor(fs *fakeStore) (*Processor, *fakePublisher, *fakeNotifier) {
	pub := &fakePublisher{}
	not := &fakeNotifier{}
	proc := NewProcessor(fs, not, pub, nil, zap.NewNop(), time.Minute, 30*time.Minute)
	return proc, pub, not
}

func identity() auth.Identity {
	return auth.Identity{RunnerName: "runner-1", AuthMethod: auth.MethodAPIKey}
}

func TestProcessUnknownJob(t *testing.T) {
	proc, _, _ := newTestProcessor(newFakeStore())
	_, err := proc.Process(context.Background(), identity(), Payload{JobID: "missing", Status: "completed"}, nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessLeaseConflict(t *testing.T) {
	fs := newFakeStore()
	exp := time.Now().Add(time.Minute)
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusRunning, LeaseToken: strPtr("current"), LeaseExpires: &exp}

	proc, pub, _ := newTestProcessor(fs)
	_, err := proc.Process(context.Background(), identity(), Payload{JobID: "j1", Status: "completed", LeaseToken: "stale"}, nil)
	if !errors.Is(err, store.ErrLeaseConflict) {
		t.Fatalf("expected ErrLeaseConflict, got %v", err)
	}
	if len(fs.completed) != 0 || fs.audits != 0 || len(pub.rooms) != 0 {
		t.Fatal("stale callback must not mutate or publish")
	}
}

func TestProcessProductionCompletion(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{
		ID:         "j1",
		Status:     models.StatusRunning,
		Scrapers:   []string{"shopfront"},
		LeaseToken: strPtr("tok"),
	}

	raw := []byte(`{"job_id":"j1","status":"completed","lease_token":"tok"}`)
	payload := Payload{
		JobID:      "j1",
		Status:     "completed",
		LeaseToken: "tok",
		RunnerName: "runner-1",
		Results: &Results{
			ScrapersRun: []string{"shopfront"},
			Data: map[string]map[string]any{
				"SKU-1": {"title": "Widget"},
				"SKU-2": {"title": "Gadget"},
			},
		},
	}

	proc, pub, not := newTestProcessor(fs)
	job, err := proc.Process(context.Background(), identity(), payload, raw)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Fatalf("returned job status = %q", job.Status)
	}
	if len(fs.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(fs.completed))
	}
	if len(fs.merged) != 2 {
		t.Fatalf("expected two merged SKUs, got %d", len(fs.merged))
	}
	if _, ok := fs.merged["SKU-1"]["shopfront"]; !ok {
		t.Fatalf("merge not keyed by scraper: %v", fs.merged["SKU-1"])
	}
	if not.calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", not.calls)
	}
	if fs.audits != 1 {
		t.Fatalf("audit rows = %d, want 1", fs.audits)
	}
	if len(pub.rooms) != 1 || pub.rooms[0] != "job:j1" {
		t.Fatalf("unexpected published rooms: %v", pub.rooms)
	}
	if len(fs.presence) != 1 || fs.presence[0] != "runner-1" {
		t.Fatalf("unexpected presence updates: %v", fs.presence)
	}
}

func TestProcessCompletionRedelivery(t *testing.T) {
	fs := newFakeStore()
	// Lease already cleared by the first delivery.
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusCompleted, Scrapers: []string{"shopfront"}}

	proc, _, _ := newTestProcessor(fs)
	payload := Payload{JobID: "j1", Status: "completed", LeaseToken: "tok"}
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("redelivery should succeed, got %v", err)
	}
}

func TestProcessCancelledJobRejectsStaleCallbacks(t *testing.T) {
	fs := newFakeStore()
	// Cancellation cleared the lease while the old holder was still working.
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusCancelled}

	proc, pub, _ := newTestProcessor(fs)
	for _, status := range []string{"running", "completed", "failed"} {
		payload := Payload{JobID: "j1", Status: status, LeaseToken: "token-from-before-cancel"}
		if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); !errors.Is(err, store.ErrLeaseConflict) {
			t.Fatalf("%s after cancel: expected ErrLeaseConflict, got %v", status, err)
		}
	}
	if len(fs.running) != 0 || len(fs.completed) != 0 || len(fs.failed) != 0 || len(fs.requeued) != 0 {
		t.Fatal("cancelled job must stay cancelled")
	}
	if fs.audits != 0 || len(pub.rooms) != 0 {
		t.Fatal("rejected callbacks must not audit or publish")
	}
}

func TestProcessRequeuedJobRejectsOldHolder(t *testing.T) {
	fs := newFakeStore()
	// Requeued and waiting for the next claim; the old token is gone.
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusPending, AttemptCount: 1, MaxAttempts: 3}

	proc, _, _ := newTestProcessor(fs)
	payload := Payload{JobID: "j1", Status: "completed", LeaseToken: "stale"}
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); !errors.Is(err, store.ErrLeaseConflict) {
		t.Fatalf("expected ErrLeaseConflict, got %v", err)
	}
	if len(fs.completed) != 0 {
		t.Fatal("a pending job must wait for its next claim, not complete")
	}
}

func TestProcessMultiScraperProvenance(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{
		ID:         "j1",
		Status:     models.StatusRunning,
		Scrapers:   []string{"shopfront", "pricewatch"},
		LeaseToken: strPtr("tok"),
	}

	payload := Payload{
		JobID:      "j1",
		Status:     "completed",
		LeaseToken: "tok",
		Results: &Results{
			ScrapersRun: []string{"shopfront", "pricewatch"},
			Data: map[string]map[string]any{
				"SKU-1": {
					"shopfront":  map[string]any{"title": "Widget", "in_stock": true},
					"pricewatch": map[string]any{"price": 9.99},
				},
			},
		},
	}

	proc, _, _ := newTestProcessor(fs)
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	sources := fs.merged["SKU-1"]
	if len(sources) != 2 {
		t.Fatalf("expected one source document per scraper, got %v", sources)
	}
	front, ok := sources["shopfront"].(map[string]any)
	if !ok || front["title"] != "Widget" {
		t.Fatalf("shopfront fields lost: %v", sources["shopfront"])
	}
	watch, ok := sources["pricewatch"].(map[string]any)
	if !ok || watch["price"] != 9.99 {
		t.Fatalf("pricewatch fields lost: %v", sources["pricewatch"])
	}
}

func TestProcessRunningCallbackStartsTestRun(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{
		ID:         "j1",
		Status:     models.StatusRunning,
		LeaseToken: strPtr("tok"),
		TestMode:   true,
		Metadata:   map[string]any{"test_run_id": "tr1"},
	}
	fs.testRuns["tr1"] = models.TestRun{ID: "tr1", Scraper: "shopfront", Status: models.TestRunPending}

	proc, _, _ := newTestProcessor(fs)
	payload := Payload{JobID: "j1", Status: "running", LeaseToken: "tok", RunnerName: "runner-1"}
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fs.runStarted) != 1 || fs.runStarted[0] != "tr1" {
		t.Fatalf("expected test run tr1 to start, got %v", fs.runStarted)
	}
	if fs.testRuns["tr1"].Status != models.TestRunRunning {
		t.Fatalf("test run status = %q, want running", fs.testRuns["tr1"].Status)
	}

	// A production job's progress report never touches test runs.
	fs.jobs["j2"] = models.Job{ID: "j2", Status: models.StatusRunning, LeaseToken: strPtr("tok2")}
	payload = Payload{JobID: "j2", Status: "running", LeaseToken: "tok2"}
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fs.runStarted) != 1 {
		t.Fatalf("unexpected test run starts: %v", fs.runStarted)
	}
}

func TestProcessTestModeSkipsProductionMerge(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{
		ID:         "j1",
		Status:     models.StatusRunning,
		Scrapers:   []string{"shopfront"},
		LeaseToken: strPtr("tok"),
		TestMode:   true,
		Metadata:   map[string]any{"test_run_id": "tr1"},
	}
	fs.testRuns["tr1"] = models.TestRun{ID: "tr1", Scraper: "shopfront"}

	payload := Payload{
		JobID:      "j1",
		Status:     "completed",
		LeaseToken: "tok",
		Results: &Results{Data: map[string]map[string]any{
			"SKU-1": {"title": "Widget"},
			"SKU-2": {"scraped_at": "2026-03-01T00:00:00Z"},
		}},
	}

	proc, pub, not := newTestProcessor(fs)
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fs.merged) != 0 {
		t.Fatal("test data must never reach production records")
	}
	if not.calls != 0 {
		t.Fatal("test runs must not trigger the completion notification")
	}
	if fs.runVerdict != models.TestRunPassed {
		t.Fatalf("verdict = %q, want passed", fs.runVerdict)
	}
	if len(fs.runResults) != 2 {
		t.Fatalf("expected 2 recorded results, got %d", len(fs.runResults))
	}
	wantRooms := map[string]bool{"job:j1": true, "test:tr1": true}
	for _, room := range pub.rooms {
		delete(wantRooms, room)
	}
	if len(wantRooms) != 0 {
		t.Fatalf("missing published rooms: %v (got %v)", wantRooms, pub.rooms)
	}
}

func TestProcessFailureRequeues(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusRunning, LeaseToken: strPtr("tok"), AttemptCount: 1, MaxAttempts: 3}

	idx := 2
	payload := Payload{JobID: "j1", Status: "failed", LeaseToken: "tok", ErrorMessage: "timeout", ChunkIndex: &idx}

	proc, _, _ := newTestProcessor(fs)
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fs.requeued) != 1 || len(fs.failed) != 0 {
		t.Fatalf("expected requeue, got requeued=%v failed=%v", fs.requeued, fs.failed)
	}
	// The failed chunk leaves an error event carrying its index.
	if len(fs.events) != 1 || fs.events[0]["chunk_index"] != 2 {
		t.Fatalf("unexpected job events: %v", fs.events)
	}
}

func TestProcessFailureExhaustsAttempts(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusRunning, LeaseToken: strPtr("tok"), AttemptCount: 3, MaxAttempts: 3}

	proc, _, _ := newTestProcessor(fs)
	payload := Payload{JobID: "j1", Status: "failed", LeaseToken: "tok", ErrorMessage: "dead"}
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(fs.failed) != 1 || len(fs.requeued) != 0 {
		t.Fatalf("expected terminal failure, got requeued=%v failed=%v", fs.requeued, fs.failed)
	}
}

func TestProcessSwallowsSideEffectFailures(t *testing.T) {
	fs := newFakeStore()
	fs.jobs["j1"] = models.Job{ID: "j1", Status: models.StatusRunning, Scrapers: []string{"shopfront"}, LeaseToken: strPtr("tok")}
	fs.mergeErr = errors.New("products table unavailable")

	payload := Payload{
		JobID:      "j1",
		Status:     "completed",
		LeaseToken: "tok",
		Results:    &Results{Data: map[string]map[string]any{"SKU-1": {"title": "Widget"}}},
	}

	proc, _, _ := newTestProcessor(fs)
	if _, err := proc.Process(context.Background(), identity(), payload, []byte(`{}`)); err != nil {
		t.Fatalf("merge failure must not fail the callback, got %v", err)
	}
	if len(fs.completed) != 1 {
		t.Fatal("transition should have committed before the merge")
	}
}

func TestDecode(t *testing.T) {
	proc, _, _ := newTestProcessor(newFakeStore())

	payload, err := proc.Decode([]byte(`{"job_id":"j1","status":"running","lease_token":"tok"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.JobID != "j1" || payload.Status != "running" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if _, err := proc.Decode([]byte(`not json`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for malformed json, got %v", err)
	}
	if _, err := proc.Decode([]byte(`{"status":"running"}`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for missing job_id, got %v", err)
	}
	if _, err := proc.Decode([]byte(`{"job_id":"j1","status":"sideways"}`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected ErrBadPayload for unknown status, got %v", err)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	idx := 1
	payload := Payload{
		JobID:      "j1",
		Status:     "completed",
		LeaseToken: "tok",
		ChunkIndex: &idx,
		Results:    &Results{SKUsProcessed: 1, Data: map[string]map[string]any{"SKU-1": {"title": "Widget"}}},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	proc, _, _ := newTestProcessor(newFakeStore())
	decoded, err := proc.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Results == nil || decoded.Results.Data["SKU-1"]["title"] != "Widget" {
		t.Fatalf("round trip lost results: %+v", decoded.Results)
	}
}
