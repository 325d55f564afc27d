package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"pixel-relay-backend/models"
	"pixel-relay-backend/utils"
)

// ConversionPayload is the canonical event shape adapters translate from.
type ConversionPayload struct {
	OrderID       string
	OrderNumber   string
	Value         float64
	Currency      string
	EventKind     string
	EventTime     time.Time
	CheckoutToken string
	LineItems     []models.LineItem
	HashedEmail   string
	HashedPhone   string
}

// BuildPayload assembles the canonical payload from a job and its validated
// input blob.
func BuildPayload(job *models.ConversionJob, now time.Time) (ConversionPayload, error) {
	var input models.OrderInput
	if err := json.Unmarshal(job.Input, &input); err != nil {
		return ConversionPayload{}, err
	}
	eventTime := job.CreatedAt
	if eventTime.IsZero() {
		eventTime = now
	}
	return ConversionPayload{
		OrderID:       job.OrderID,
		OrderNumber:   job.OrderNumber,
		Value:         utils.Round2(job.Value),
		Currency:      job.Currency,
		EventKind:     input.Kind,
		EventTime:     eventTime,
		CheckoutToken: input.CheckoutToken,
		LineItems:     input.LineItems,
		HashedEmail:   input.HashedEmail,
		HashedPhone:   input.HashedPhone,
	}, nil
}

// EventID derives the destination-scoped deduplication id. It is a stable
// hash of (order, event kind, shop, platform): re-delivery of the same
// webhook produces the same id, so platforms can deduplicate downstream.
func EventID(shopDomain, orderID, eventKind, platform string) string {
	h := sha256.New()
	h.Write([]byte(shopDomain))
	h.Write([]byte{'\n'})
	h.Write([]byte(orderID))
	h.Write([]byte{'\n'})
	h.Write([]byte(eventKind))
	h.Write([]byte{'\n'})
	h.Write([]byte(platform))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
