package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"pixel-relay-backend/trust"
)

const metaDefaultURL = "https://graph.facebook.com/v18.0"

// Meta sends events to the Conversions API. Marketing category.
type Meta struct {
	Client  *http.Client
	BaseURL string
}

func NewMeta(client *http.Client) *Meta {
	return &Meta{Client: client, BaseURL: metaDefaultURL}
}

func (m *Meta) Name() string                    { return "meta" }
func (m *Meta) ConsentCategory() trust.Category { return trust.CategoryMarketing }
func (m *Meta) ValidateCredentials(c Credentials) error {
	return c.require("pixel_id", "access_token")
}

type metaEvent struct {
	EventName    string         `json:"event_name"`
	EventTime    int64          `json:"event_time"`
	EventID      string         `json:"event_id"`
	ActionSource string         `json:"action_source"`
	UserData     map[string]any `json:"user_data"`
	CustomData   map[string]any `json:"custom_data"`
}

func (m *Meta) Send(ctx context.Context, creds Credentials, p ConversionPayload, eventID string) SendResult {
	name := "Purchase"
	if p.EventKind == "refund" {
		name = "Refund"
	}

	userData := map[string]any{}
	if p.HashedEmail != "" {
		userData["em"] = []string{p.HashedEmail}
	}
	if p.HashedPhone != "" {
		userData["ph"] = []string{p.HashedPhone}
	}

	contents := make([]map[string]any, 0, len(p.LineItems))
	for _, li := range p.LineItems {
		contents = append(contents, map[string]any{
			"id":         li.ProductID,
			"quantity":   li.Quantity,
			"item_price": li.Price,
		})
	}

	body := map[string]any{
		"data": []metaEvent{{
			EventName:    name,
			EventTime:    p.EventTime.Unix(),
			EventID:      eventID,
			ActionSource: "website",
			UserData:     userData,
			CustomData: map[string]any{
				"value":    p.Value,
				"currency": p.Currency,
				"order_id": p.OrderID,
				"contents": contents,
			},
		}},
	}

	endpoint := fmt.Sprintf("%s/%s/events?access_token=%s",
		m.BaseURL, url.PathEscape(creds["pixel_id"]), url.QueryEscape(creds["access_token"]))
	return postJSON(ctx, m.Client, endpoint, nil, body)
}
