package models

import (
	"time"
)

// JobStatus enumerates scrape job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one scrape job: a SKU list dispatched to the runner pool.
type Job struct {
	ID           string         `json:"id"`
	SKUs         []string       `json:"skus"`
	Scrapers     []string       `json:"scrapers"`
	Status       string         `json:"status"`
	LeaseToken   *string        `json:"lease_token,omitempty"`
	LeaseExpires *time.Time     `json:"lease_expires_at,omitempty"`
	HeartbeatAt  *time.Time     `json:"heartbeat_at,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	BackoffUntil *time.Time     `json:"backoff_until,omitempty"`
	RunnerName   *string        `json:"runner_name,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	TestMode     bool           `json:"test_mode"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// HasActiveLease reports whether the job holds an unexpired lease.
func (j Job) HasActiveLease(now time.Time) bool {
	return j.LeaseToken != nil && j.LeaseExpires != nil && j.LeaseExpires.After(now)
}

// TestRunID returns the back-reference carried in job metadata, if any.
func (j Job) TestRunID() string {
	if j.Metadata == nil {
		return ""
	}
	id, _ := j.Metadata["test_run_id"].(string)
	return id
}
