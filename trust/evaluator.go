// Package trust decides whether a conversion event is trustworthy and
// whether consent permits forwarding it to a given platform. Everything here
// is pure: no I/O, clock injected by callers.
package trust

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pixel-relay-backend/models"
)

type Level string

const (
	LevelTrusted   Level = "trusted"
	LevelPartial   Level = "partial"
	LevelUntrusted Level = "untrusted"
)

// rank orders levels for gate comparisons.
func (l Level) rank() int {
	switch l {
	case LevelTrusted:
		return 2
	case LevelPartial:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l meets the minimum level min.
func (l Level) AtLeast(min Level) bool { return l.rank() >= min.rank() }

// Reason vocabulary. These are stored and aggregated, so the set stays small
// and stable.
const (
	ReasonOK            = "ok"
	ReasonNoReceipt     = "no_receipt"
	ReasonTokenMismatch = "token_mismatch"
	ReasonKeyMismatch   = "key_mismatch"
	ReasonOriginInvalid = "origin_invalid"
	ReasonStale         = "stale"
)

// Result is the transient verdict of one evaluation.
type Result struct {
	Trusted bool
	Level   Level
	Reason  string
	Details string
}

// Metadata is the persisted summary written into ConversionJob.TrustMetadata
// and PixelReceipt.TrustLevel.
type Metadata struct {
	Level       Level     `json:"level"`
	Reason      string    `json:"reason"`
	TokenMatch  bool      `json:"token_match"`
	KeyMatch    bool      `json:"key_match"`
	OriginValid bool      `json:"origin_valid"`
	OriginHost  string    `json:"origin_host,omitempty"`
	SkewSeconds float64   `json:"skew_seconds,omitempty"`
	AgeSeconds  float64   `json:"age_seconds,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Limits bounds the time signals.
type Limits struct {
	MaxClockSkew  time.Duration
	MaxReceiptAge time.Duration
}

// DefaultLimits matches the documented defaults: 15m skew, 60m age.
func DefaultLimits() Limits {
	return Limits{MaxClockSkew: 15 * time.Minute, MaxReceiptAge: 60 * time.Minute}
}

// Evaluate combines receipt presence, token equality, ingestion-key match,
// origin allow-listing and time bounds into a trust verdict.
//
// trusted   = every signal passes.
// partial   = a receipt exists and some signals pass.
// untrusted = no receipt, or a receipt with no passing signal.
func Evaluate(receipt *models.PixelReceipt, webhookCheckoutToken string, allowedHosts []string, limits Limits, now time.Time) (Result, Metadata, ConsentState) {
	meta := Metadata{EvaluatedAt: now}

	if receipt == nil {
		meta.Level = LevelUntrusted
		meta.Reason = ReasonNoReceipt
		return Result{
			Trusted: false,
			Level:   LevelUntrusted,
			Reason:  ReasonNoReceipt,
			Details: "no pixel receipt recorded for this order",
		}, meta, ConsentState{}
	}

	tokenMatch := webhookCheckoutToken != "" &&
		tokenEqual(receipt.CheckoutToken, webhookCheckoutToken)
	keyMatch := receipt.KeyMatch
	originValid := hostAllowed(receipt.OriginHost, allowedHosts)

	skew := receipt.ReceivedAt.Sub(receipt.ClientTimestamp)
	if skew < 0 {
		skew = -skew
	}
	age := now.Sub(receipt.ReceivedAt)
	withinTime := skew <= limits.MaxClockSkew && age >= 0 && age <= limits.MaxReceiptAge

	meta.TokenMatch = tokenMatch
	meta.KeyMatch = keyMatch
	meta.OriginValid = originValid
	meta.OriginHost = receipt.OriginHost
	meta.SkewSeconds = skew.Seconds()
	meta.AgeSeconds = age.Seconds()

	consent := ParseConsent(receipt.ConsentPayload)

	var res Result
	switch {
	case tokenMatch && keyMatch && originValid && withinTime:
		res = Result{Trusted: true, Level: LevelTrusted, Reason: ReasonOK}
	case tokenMatch || keyMatch || originValid || withinTime:
		res = Result{Trusted: false, Level: LevelPartial, Reason: partialReason(tokenMatch, keyMatch, originValid, withinTime)}
		res.Details = fmt.Sprintf("token_match=%t key_match=%t origin_valid=%t within_time=%t",
			tokenMatch, keyMatch, originValid, withinTime)
	default:
		res = Result{Trusted: false, Level: LevelUntrusted, Reason: partialReason(tokenMatch, keyMatch, originValid, withinTime)}
	}

	meta.Level = res.Level
	meta.Reason = res.Reason
	return res, meta, consent
}

// partialReason names the first failing signal, in severity order.
func partialReason(tokenMatch, keyMatch, originValid, withinTime bool) string {
	switch {
	case !withinTime:
		return ReasonStale
	case !tokenMatch:
		return ReasonTokenMismatch
	case !keyMatch:
		return ReasonKeyMismatch
	case !originValid:
		return ReasonOriginInvalid
	}
	return ReasonOK
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	for _, a := range allowed {
		if host == strings.ToLower(strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}

// tokenEqual compares checkout tokens without leaking timing about the
// position of the first differing byte.
func tokenEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ConsentState is parsed from the receipt's stored consent payload. Nil
// pointers mean "no signal", which is never treated as consent.
type ConsentState struct {
	Marketing         *bool `json:"marketing,omitempty"`
	Analytics         *bool `json:"analytics,omitempty"`
	SaleOfDataAllowed *bool `json:"sale_of_data_allowed,omitempty"`
}

// ParseConsent tolerates empty or malformed payloads: anything unreadable
// parses as "no signal anywhere".
func ParseConsent(raw []byte) ConsentState {
	var state ConsentState
	if len(raw) == 0 {
		return state
	}
	_ = json.Unmarshal(raw, &state)
	return state
}
