package queue

import (
	"time"

	"pixel-relay-backend/models"
)

// Decision is the post-attempt state transition for one job.
type Decision struct {
	Status      models.JobStatus
	Attempts    int
	NextRetryAt *time.Time
}

// DecideAfterAttempt applies the retry policy after one processing attempt.
// Success always completes. A failure the adapters flagged as permanent
// (invalid credentials, payload rejected) dead-letters immediately; any other
// failure either schedules a retry (status failed, next_retry_at set) or
// dead-letters when attempts are exhausted.
func DecideAfterAttempt(job *models.ConversionJob, succeeded, permanent bool, cfg BackoffConfig, now time.Time) Decision {
	attempts := job.Attempts + 1
	if succeeded {
		return Decision{Status: models.JobCompleted, Attempts: attempts}
	}
	if permanent || attempts >= job.MaxAttempts {
		// Terminal: no next_retry_at, never claimed again.
		return Decision{Status: models.JobDeadLetter, Attempts: attempts}
	}
	next := now.Add(cfg.NextRetryDelay(attempts))
	return Decision{Status: models.JobFailed, Attempts: attempts, NextRetryAt: &next}
}

// ClaimEligible is the in-memory mirror of the claimer's SQL predicate:
// queued rows, or failed rows whose retry time has arrived with attempts
// remaining. Kept next to the SQL so the two stay in sync.
func ClaimEligible(job *models.ConversionJob, now time.Time) bool {
	switch job.Status {
	case models.JobQueued:
		return true
	case models.JobFailed:
		return job.NextRetryAt != nil && !job.NextRetryAt.After(now) &&
			job.Attempts < job.MaxAttempts
	default:
		return false
	}
}
