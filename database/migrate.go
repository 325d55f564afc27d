package database

import (
	"fmt"

	"gorm.io/gorm"
)

// Harden applies the raw-SQL migrations AutoMigrate can't express: partial
// indexes for the claim scan and CHECK constraints. All statements are
// idempotent and run in one transaction.
func Harden(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		// --- Indexes the claimer and matcher lean on ---
		indexes := []string{
			// Claim scan: eligible rows only, oldest first.
			`CREATE INDEX IF NOT EXISTS idx_jobs_claimable
			   ON conversion_jobs (created_at)
			   WHERE status IN ('queued', 'failed')`,
			`CREATE INDEX IF NOT EXISTS idx_receipts_shop_received
			   ON pixel_receipts (shop_domain, received_at)`,
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
			}
		}

		// --- Basic CHECK constraints (idempotent) ---
		checks := []string{
			`DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM pg_constraint
					WHERE conrelid = 'conversion_jobs'::regclass
					  AND conname  = 'chk_jobs_attempts_nonneg'
				) THEN
					ALTER TABLE conversion_jobs
					ADD CONSTRAINT chk_jobs_attempts_nonneg
					CHECK (attempts >= 0);
				END IF;
			END $$;`,
			`DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM pg_constraint
					WHERE conrelid = 'conversion_jobs'::regclass
					  AND conname  = 'chk_jobs_value_nonneg'
				) THEN
					ALTER TABLE conversion_jobs
					ADD CONSTRAINT chk_jobs_value_nonneg
					CHECK (value >= 0);
				END IF;
			END $$;`,
		}
		for _, stmt := range checks {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("check constraint migration failed: %w", err)
			}
		}

		return nil
	})
}
