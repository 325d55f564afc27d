package models

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued        JobStatus = "queued"
	JobProcessing    JobStatus = "processing"
	JobCompleted     JobStatus = "completed"
	JobFailed        JobStatus = "failed"
	JobDeadLetter    JobStatus = "dead_letter"
	JobLimitExceeded JobStatus = "limit_exceeded"
)

// ConversionJob is one unit of conversion delivery work, keyed by
// (shop_domain, order_id). Webhook re-delivery upserts the same row.
type ConversionJob struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	ShopDomain  string `json:"shop_domain" gorm:"size:255;not null;index:idx_jobs_shop_order,unique,priority:1"`
	OrderID     string `json:"order_id" gorm:"size:64;not null;index:idx_jobs_shop_order,unique,priority:2"`
	OrderNumber string `json:"order_number" gorm:"size:64"`
	Value       float64 `json:"value" gorm:"type:numeric(12,2)"`
	Currency    string  `json:"currency" gorm:"size:3"`

	// Validated OrderInput, written once at the enqueue boundary.
	Input datatypes.JSON `json:"input" gorm:"type:jsonb"`

	Status        JobStatus  `json:"status" gorm:"type:VARCHAR(20);not null;default:queued;index"`
	Attempts      int        `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts   int        `json:"max_attempts" gorm:"not null;default:5"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
	NextRetryAt   *time.Time `json:"next_retry_at" gorm:"index"`
	ProcessedAt   *time.Time `json:"processed_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	ErrorMessage  string     `json:"error_message"`

	// platform name -> "sent" | "skipped:<reason>" | "failed:<reason>"
	PlatformResults datatypes.JSON `json:"platform_results" gorm:"type:jsonb"`
	TrustMetadata   datatypes.JSON `json:"trust_metadata" gorm:"type:jsonb"`
	ConsentEvidence datatypes.JSON `json:"consent_evidence" gorm:"type:jsonb"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	EventKindPurchase = "purchase"
	EventKindRefund   = "refund"
)

// OrderInput is the validated payload stored on a ConversionJob. Kind tags
// the event variant; unknown kinds are rejected at the enqueue boundary so
// readers never have to re-validate.
type OrderInput struct {
	Kind          string     `json:"kind" validate:"required,oneof=purchase refund"`
	CheckoutToken string     `json:"checkout_token,omitempty" validate:"omitempty,max=128"`
	LineItems     []LineItem `json:"line_items" validate:"dive"`

	// Pre-hashed (SHA-256, lowercased/trimmed before hashing) identifiers.
	// Raw PII never reaches this table.
	HashedEmail string `json:"hashed_email,omitempty" validate:"omitempty,len=64,hexadecimal"`
	HashedPhone string `json:"hashed_phone,omitempty" validate:"omitempty,len=64,hexadecimal"`

	HMACValid bool `json:"hmac_valid"`
}

type LineItem struct {
	ProductID string  `json:"product_id" validate:"required,max=64"`
	Title     string  `json:"title" validate:"max=255"`
	Quantity  int     `json:"quantity" validate:"gte=1"`
	Price     float64 `json:"price" validate:"gte=0"`
}
