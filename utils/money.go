package utils

import "math"

// Round2 rounds a monetary amount to cents. Order totals and line-item
// prices pass through here before they are stored or sent to a platform, so
// float noise from parsing never reaches a conversion payload.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
