package models

import "time"

// Chunk display statuses, derived on read and never persisted.
const (
	ChunkPending = "pending"
	ChunkActive  = "active"
	ChunkDone    = "done"
	ChunkFailed  = "failed"
)

// Chunk is an independently leasable sub-partition of a job's SKU list.
type Chunk struct {
	ChunkID      string     `json:"chunk_id"`
	JobID        string     `json:"job_id"`
	ChunkIndex   int        `json:"chunk_index"`
	Attempt      int        `json:"attempt"`
	SKUs         []string   `json:"skus"`
	LeaseToken   *string    `json:"lease_token,omitempty"`
	LeaseExpires *time.Time `json:"lease_expires_at,omitempty"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Lease is the token/expiry pair handed back from a successful claim or renew.
type Lease struct {
	Token     string    `json:"lease_token"`
	ExpiresAt time.Time `json:"lease_expires_at"`
}
