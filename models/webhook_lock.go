package models

import "time"

type LockStatus string

const (
	LockProcessing LockStatus = "processing"
	LockProcessed  LockStatus = "processed"
	LockFailed     LockStatus = "failed"
)

// WebhookLock deduplicates webhook deliveries across processing instances.
// The composite unique index is the mutex: the first instance to insert the
// row owns the notification.
type WebhookLock struct {
	ID         uint   `json:"id" gorm:"primaryKey"`
	ShopDomain string `json:"shop_domain" gorm:"size:255;not null;index:idx_locks_shop_webhook_topic,unique,priority:1"`
	WebhookID  string `json:"webhook_id" gorm:"size:128;not null;index:idx_locks_shop_webhook_topic,unique,priority:2"`
	Topic      string `json:"topic" gorm:"size:64;not null;index:idx_locks_shop_webhook_topic,unique,priority:3"`

	Status      LockStatus `json:"status" gorm:"type:VARCHAR(16);not null;default:processing"`
	ReceivedAt  time.Time  `json:"received_at" gorm:"not null"`
	ProcessedAt *time.Time `json:"processed_at"`
}
