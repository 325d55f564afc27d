package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// HashIdentifier normalizes (trim, lowercase) and SHA-256 hashes a user
// identifier so raw PII never reaches the job table or the platforms.
// Returns "" for empty input.
func HashIdentifier(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookHMAC checks a base64-encoded HMAC-SHA256 header against the
// raw request body. Comparison is constant time.
func VerifyWebhookHMAC(body []byte, headerValue, secret string) bool {
	if headerValue == "" || secret == "" {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(headerValue)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
