package models

import "time"

// Runner presence statuses.
const (
	RunnerOnline  = "online"
	RunnerBusy    = "busy"
	RunnerPolling = "polling"
	RunnerOffline = "offline"
)

// Runner is a registered remote runner process and its presence record.
type Runner struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Status        string         `json:"status"`
	KeyPrefix     string         `json:"key_prefix,omitempty"`
	LastSeenAt    *time.Time     `json:"last_seen_at,omitempty"`
	CurrentJobID  *string        `json:"current_job_id,omitempty"`
	JobsCompleted int            `json:"jobs_completed"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Revoked       bool           `json:"revoked"`
	CreatedAt     time.Time      `json:"created_at"`
}
