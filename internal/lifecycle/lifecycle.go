// Package lifecycle encodes the job state machine: which reported statuses are
// legal, how a failure turns into a requeue or a terminal failure, and the
// deterministic backoff schedule between attempts.
package lifecycle

import (
	"time"

	"scrape-coordinator/internal/models"
)

// Reported statuses a runner may send through the callback.
const (
	ReportRunning   = models.StatusRunning
	ReportCompleted = models.StatusCompleted
	ReportFailed    = models.StatusFailed
)

// ValidReport reports whether status is one of the three callback statuses.
func ValidReport(status string) bool {
	switch status {
	case ReportRunning, ReportCompleted, ReportFailed:
		return true
	}
	return false
}

// Backoff returns the wait window before a failed job becomes claimable again.
// attempts is the post-increment attempt count, so the observed schedule is
// base, 2*base, 4*base, ... capped at cap. Deterministic: retry eligibility
// must be reproducible.
func Backoff(attempts int, base, cap time.Duration) time.Duration {
	if attempts <= 0 {
		return base
	}
	// Guard the shift; beyond 30 doublings any sane cap has long been hit.
	if attempts > 31 {
		return cap
	}
	window := base << uint(attempts-1)
	if window > cap || window <= 0 {
		return cap
	}
	return window
}

// FailureOutcome describes what a terminal-failure report should do to a job.
type FailureOutcome struct {
	// Requeue is true when attempts remain: the job re-enters pending with
	// BackoffUntil set. False means terminal failure.
	Requeue      bool
	BackoffUntil time.Time
}

// OnFailure decides between requeue-with-backoff and terminal failure. The
// claim already incremented attempt_count, so attempts remaining means
// attempt_count < max_attempts.
func OnFailure(job models.Job, base, cap time.Duration, now time.Time) FailureOutcome {
	if job.AttemptCount < job.MaxAttempts {
		return FailureOutcome{
			Requeue:      true,
			BackoffUntil: now.Add(Backoff(job.AttemptCount, base, cap)),
		}
	}
	return FailureOutcome{Requeue: false}
}

// TokenMatches applies the lease gate: a job holding a token only accepts
// callbacks presenting that exact token. A cleared token admits delivery only
// against the terminal states the holder's own report produced (completed,
// failed), keeping redelivery idempotent. A cancelled or requeued job rejects
// everything, the old holder included.
func TokenMatches(job models.Job, presented string) bool {
	if job.LeaseToken != nil {
		return *job.LeaseToken == presented
	}
	return job.Status == models.StatusCompleted || job.Status == models.StatusFailed
}
