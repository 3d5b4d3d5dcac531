package models

import "time"

// Test run aggregate statuses.
const (
	TestRunPending = "pending"
	TestRunRunning = "running"
	TestRunPassed  = "passed"
	TestRunFailed  = "failed"
	TestRunPartial = "partial"
)

// Per-SKU outcome values reported for a test run.
const (
	OutcomeSuccess  = "success"
	OutcomeNoResult = "no_result"
	OutcomeError    = "error"
	OutcomeTimeout  = "timeout"
)

// TestSKU is one target of a test run with its declared fixture type.
type TestSKU struct {
	SKU  string `json:"sku"`
	Type string `json:"type"` // golden|fake|edge
}

// SKUResult is one recorded per-SKU outcome of a test run.
type SKUResult struct {
	SKU          string         `json:"sku"`
	Status       string         `json:"status"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
}

// TestRun is an ad-hoc validation run against a single scraper.
type TestRun struct {
	ID           string      `json:"id"`
	Scraper      string      `json:"scraper"`
	SKUs         []TestSKU   `json:"skus"`
	Status       string      `json:"status"`
	Results      []SKUResult `json:"results,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	RunnerName   *string     `json:"runner_name,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}
