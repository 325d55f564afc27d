package trust

type Category string

const (
	CategoryMarketing Category = "marketing"
	CategoryAnalytics Category = "analytics"
)

// Skip reasons are lowercase underscore-joined because they are stored in
// platform_results and aggregated by reporting.
const (
	SkipSaleOfDataOptOut = "sale_of_data_opted_out"
	skipTrustPrefix      = "trust_"
	skipConsentMissing   = "consent_missing"
	skipConsentDenied    = "consent_denied"
)

// Consent provenance recorded in consent evidence.
const (
	ConsentExplicit = "explicit"
	ConsentImplied  = "implied_receipt"
)

// Eligibility is the per-platform forwarding decision.
type Eligibility struct {
	Allowed    bool
	SkipReason string
	// UsedConsent records which signal authorized the send: "explicit" or
	// "implied_receipt". Empty when not allowed.
	UsedConsent string
}

// CheckPlatformEligibility decides whether one platform may receive the
// event. Gates are evaluated in strict order:
//
//  1. An explicit sale-of-data opt-out blocks everything. It is a legal
//     signal, not a trust signal, so no strategy overrides it.
//  2. Trust gate: the shop strategy sets the minimum trust level for the
//     platform's effective consent category.
//  3. Consent gate: absence of a signal is never consent. Balanced-strategy
//     shops may imply analytics consent from a fully verified receipt.
func CheckPlatformEligibility(category Category, treatAsMarketing bool, res Result, consent ConsentState, strategy string) Eligibility {
	if consent.SaleOfDataAllowed != nil && !*consent.SaleOfDataAllowed {
		return Eligibility{Allowed: false, SkipReason: SkipSaleOfDataOptOut}
	}

	effective := category
	if treatAsMarketing {
		effective = CategoryMarketing
	}

	if min, gated := minTrustLevel(effective, strategy); gated && !res.Level.AtLeast(min) {
		return Eligibility{Allowed: false, SkipReason: skipTrustPrefix + res.Reason}
	}

	switch effective {
	case CategoryMarketing:
		if consent.Marketing == nil {
			return Eligibility{Allowed: false, SkipReason: skipConsentMissing}
		}
		if !*consent.Marketing {
			return Eligibility{Allowed: false, SkipReason: skipConsentDenied}
		}
		return Eligibility{Allowed: true, UsedConsent: ConsentExplicit}

	default: // analytics
		if consent.Analytics != nil {
			if !*consent.Analytics {
				return Eligibility{Allowed: false, SkipReason: skipConsentDenied}
			}
			return Eligibility{Allowed: true, UsedConsent: ConsentExplicit}
		}
		// No explicit analytics signal. Balanced shops accept a fully
		// verified receipt as implied consent; strict shops do not.
		if strategy == "balanced" && res.Level == LevelTrusted {
			return Eligibility{Allowed: true, UsedConsent: ConsentImplied}
		}
		return Eligibility{Allowed: false, SkipReason: skipConsentMissing}
	}
}

// minTrustLevel returns the trust floor for a category under a strategy and
// whether a floor applies at all. Marketing destinations are gated on trust;
// analytics destinations rely on the consent gate alone.
func minTrustLevel(category Category, strategy string) (Level, bool) {
	if category != CategoryMarketing {
		return LevelUntrusted, false
	}
	if strategy == "balanced" {
		return LevelPartial, true
	}
	return LevelTrusted, true
}
