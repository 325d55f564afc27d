package database

import (
	"context"
	"time"

	"pixel-relay-backend/models"
	"pixel-relay-backend/queue"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobStore owns all reads and writes on conversion_jobs.
type JobStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{DB: db, Now: time.Now}
}

// Claim atomically selects and marks up to batchSize eligible jobs as
// processing. FOR UPDATE SKIP LOCKED lets concurrent claimers pass over each
// other's rows instead of blocking, so instances never contend. Selection
// and the status flip share one transaction.
func (s *JobStore) Claim(ctx context.Context, batchSize int) ([]models.ConversionJob, error) {
	var jobs []models.ConversionJob
	now := s.Now()

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		eligible := tx.Where("status = ?", models.JobQueued).
			Or(tx.Where("status = ?", models.JobFailed).
				Where("next_retry_at <= ?", now).
				Where("attempts < max_attempts"))

		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(eligible).
			Order("created_at ASC").
			Limit(batchSize).
			Find(&jobs).Error; err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		ids := make([]uint, len(jobs))
		for i, j := range jobs {
			ids[i] = j.ID
		}
		if err := tx.Model(&models.ConversionJob{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"status":       models.JobProcessing,
				"processed_at": now,
			}).Error; err != nil {
			return err
		}
		for i := range jobs {
			jobs[i].Status = models.JobProcessing
			jobs[i].ProcessedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Upsert creates the job for a webhook delivery, or refreshes it when the
// same (shop, order) is re-delivered. Lifecycle columns are left alone on
// conflict so an in-flight job isn't yanked back to queued.
func (s *JobStore) Upsert(ctx context.Context, job *models.ConversionJob) error {
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "shop_domain"}, {Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"order_number", "value", "currency", "input", "updated_at",
		}),
	}).Create(job).Error
}

// FinalizeBatch persists all updates from one processing pass in a single
// transaction.
func (s *JobStore) FinalizeBatch(ctx context.Context, updates []queue.JobUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range updates {
			if err := s.applyUpdate(tx, &updates[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// FinalizeOne is the per-row fallback when the batched update fails.
func (s *JobStore) FinalizeOne(ctx context.Context, u queue.JobUpdate) error {
	return s.applyUpdate(s.DB.WithContext(ctx), &u)
}

func (s *JobStore) applyUpdate(tx *gorm.DB, u *queue.JobUpdate) error {
	return tx.Model(&models.ConversionJob{}).
		Where("id = ?", u.JobID).
		Updates(map[string]any{
			"status":           u.Status,
			"attempts":         u.Attempts,
			"next_retry_at":    u.NextRetryAt,
			"last_attempt_at":  u.LastAttemptAt,
			"completed_at":     u.CompletedAt,
			"error_message":    u.ErrorMessage,
			"platform_results": u.PlatformResults,
			"trust_metadata":   u.TrustMetadata,
			"consent_evidence": u.ConsentEvidence,
		}).Error
}

// StatusCounts returns job counts grouped by status, for the ops summary.
func (s *JobStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.DB.WithContext(ctx).Model(&models.ConversionJob{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// DeadLetters lists dead-lettered jobs, newest first.
func (s *JobStore) DeadLetters(ctx context.Context, limit int) ([]models.ConversionJob, error) {
	var jobs []models.ConversionJob
	err := s.DB.WithContext(ctx).
		Where("status = ?", models.JobDeadLetter).
		Order("updated_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// Requeue puts a dead-lettered job back in the queue with a fresh attempt
// budget. Only dead_letter rows qualify; reports whether a row changed.
func (s *JobStore) Requeue(ctx context.Context, jobID uint) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.ConversionJob{}).
		Where("id = ? AND status = ?", jobID, models.JobDeadLetter).
		Updates(map[string]any{
			"status":        models.JobQueued,
			"attempts":      0,
			"next_retry_at": nil,
			"error_message": "",
		})
	return res.RowsAffected == 1, res.Error
}
