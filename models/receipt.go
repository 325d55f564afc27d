package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PixelReceipt is the client-side event record written by the pixel
// ingestion path. This service only reads it, except for TrustLevel which
// is written back after evaluation.
type PixelReceipt struct {
	ID         string `json:"id" gorm:"primaryKey"`
	ShopDomain string `json:"shop_domain" gorm:"size:255;not null;index:idx_receipts_shop_order,unique,priority:1"`
	// OrderKey is the order identifier as seen client-side. At most one
	// purchase receipt is authoritative per (shop, order_key).
	OrderKey  string `json:"order_key" gorm:"size:64;not null;index:idx_receipts_shop_order,unique,priority:2"`
	EventType string `json:"event_type" gorm:"size:32;not null;index:idx_receipts_shop_order,unique,priority:3"`

	CheckoutToken string `json:"checkout_token" gorm:"size:128;index"`
	OriginHost    string `json:"origin_host" gorm:"size:255"`

	// ClientTimestamp is the browser clock; ReceivedAt is the server clock
	// at ingestion. Their skew feeds trust evaluation.
	ClientTimestamp time.Time `json:"client_timestamp"`
	ReceivedAt      time.Time `json:"received_at" gorm:"index"`

	// KeyMatch reports whether the ingestion key / HMAC on the pixel
	// request verified against the shop's configured key.
	KeyMatch bool `json:"key_match"`

	ConsentPayload datatypes.JSON `json:"consent_payload" gorm:"type:jsonb"`
	TrustLevel     string         `json:"trust_level" gorm:"size:16"`

	CreatedAt time.Time `json:"created_at"`
}

func (r *PixelReceipt) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return
}
