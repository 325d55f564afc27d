package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

const (
	StrategyStrict   = "strict"
	StrategyBalanced = "balanced"

	ReceiveModeStrict = "strict"
	ReceiveModeLax    = "lax"
)

// Shop is a tenant. Domain is the canonical *.myshopify.com domain used as
// tenant key throughout; PrimaryDomain and StorefrontDomains extend the
// origin allow-list for trust evaluation.
type Shop struct {
	ID            uint   `json:"id" gorm:"primaryKey"`
	Domain        string `json:"domain" gorm:"size:255;uniqueIndex;not null"`
	PrimaryDomain string `json:"primary_domain" gorm:"size:255"`
	// JSON array of extra storefront hostnames.
	StorefrontDomains datatypes.JSON `json:"storefront_domains" gorm:"type:jsonb"`

	// strict: trusted receipts + explicit consent only.
	// balanced: partially trusted receipts pass the trust gate, and a
	// verified receipt can imply analytics consent.
	ConsentStrategy string `json:"consent_strategy" gorm:"type:VARCHAR(16);not null;default:strict"`

	// strict: reject webhook deliveries that fail HMAC verification.
	// lax: accept them but record the failed signal in trust evidence.
	ReceiveMode string `json:"receive_mode" gorm:"type:VARCHAR(16);not null;default:strict"`

	WebhookSecret string `json:"-" gorm:"size:128"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowedHosts returns every hostname a receipt origin may legitimately use.
func (s *Shop) AllowedHosts() []string {
	hosts := []string{s.Domain}
	if s.PrimaryDomain != "" {
		hosts = append(hosts, s.PrimaryDomain)
	}
	var extra []string
	if len(s.StorefrontDomains) > 0 {
		_ = json.Unmarshal(s.StorefrontDomains, &extra)
	}
	return append(hosts, extra...)
}

// PlatformConfig is one server-side destination for a shop. Credentials is a
// sealed (chacha20poly1305) JSON blob; only the dispatcher unseals it.
type PlatformConfig struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	ShopID   uint   `json:"shop_id" gorm:"not null;index:idx_platform_configs_shop_platform,unique,priority:1"`
	Platform string `json:"platform" gorm:"size:32;not null;index:idx_platform_configs_shop_platform,unique,priority:2"`
	Enabled  bool   `json:"enabled" gorm:"not null;default:true"`

	// Forces the marketing consent category even for analytics platforms
	// (some merchants treat GA4 audiences as marketing use).
	TreatAsMarketing bool `json:"treat_as_marketing" gorm:"not null;default:false"`

	Credentials []byte `json:"-" gorm:"type:bytea"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
