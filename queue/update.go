package queue

import (
	"time"

	"pixel-relay-backend/models"

	"gorm.io/datatypes"
)

// JobUpdate is the finalize payload for one processed job. Updates for a
// whole batch are persisted together, with a per-row fallback.
type JobUpdate struct {
	JobID           uint
	Status          models.JobStatus
	Attempts        int
	NextRetryAt     *time.Time
	LastAttemptAt   time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	PlatformResults datatypes.JSON
	TrustMetadata   datatypes.JSON
	ConsentEvidence datatypes.JSON
}
