package dispatch

import (
	"context"
	"net/http"

	"pixel-relay-backend/trust"
)

const tiktokDefaultURL = "https://business-api.tiktok.com/open_api/v1.3/event/track/"

// TikTok sends events to the Events API. Marketing category.
type TikTok struct {
	Client  *http.Client
	BaseURL string
}

func NewTikTok(client *http.Client) *TikTok {
	return &TikTok{Client: client, BaseURL: tiktokDefaultURL}
}

func (t *TikTok) Name() string                    { return "tiktok" }
func (t *TikTok) ConsentCategory() trust.Category { return trust.CategoryMarketing }
func (t *TikTok) ValidateCredentials(c Credentials) error {
	return c.require("pixel_code", "access_token")
}

func (t *TikTok) Send(ctx context.Context, creds Credentials, p ConversionPayload, eventID string) SendResult {
	name := "CompletePayment"
	if p.EventKind == "refund" {
		name = "Refund"
	}

	contents := make([]map[string]any, 0, len(p.LineItems))
	for _, li := range p.LineItems {
		contents = append(contents, map[string]any{
			"content_id":   li.ProductID,
			"content_name": li.Title,
			"quantity":     li.Quantity,
			"price":        li.Price,
		})
	}

	user := map[string]any{}
	if p.HashedEmail != "" {
		user["email"] = p.HashedEmail
	}
	if p.HashedPhone != "" {
		user["phone"] = p.HashedPhone
	}

	body := map[string]any{
		"event_source":    "web",
		"event_source_id": creds["pixel_code"],
		"data": []map[string]any{{
			"event":      name,
			"event_time": p.EventTime.Unix(),
			"event_id":   eventID,
			"user":       user,
			"properties": map[string]any{
				"value":    p.Value,
				"currency": p.Currency,
				"order_id": p.OrderID,
				"contents": contents,
			},
		}},
	}

	headers := map[string]string{"Access-Token": creds["access_token"]}
	return postJSON(ctx, t.Client, t.BaseURL, headers, body)
}
