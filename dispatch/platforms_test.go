package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pixel-relay-backend/models"
)

func samplePayload() ConversionPayload {
	return ConversionPayload{
		OrderID:     "1001",
		OrderNumber: "1001",
		Value:       49.99,
		Currency:    "EUR",
		EventKind:   "purchase",
		EventTime:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		LineItems:   []models.LineItem{{ProductID: "p1", Title: "Widget", Quantity: 2, Price: 24.99}},
		HashedEmail: strings.Repeat("ab", 32),
	}
}

func TestGA4Send(t *testing.T) {
	var gotQuery string
	var gotBody ga4Body
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	g := NewGA4(srv.Client())
	g.BaseURL = srv.URL
	creds := Credentials{"measurement_id": "G-XYZ", "api_secret": "s3cret"}

	res := g.Send(context.Background(), creds, samplePayload(), "evt-1")
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if !strings.Contains(gotQuery, "measurement_id=G-XYZ") || !strings.Contains(gotQuery, "api_secret=s3cret") {
		t.Fatalf("credentials missing from query: %q", gotQuery)
	}
	if gotBody.ClientID != "evt-1" {
		t.Fatalf("client_id: %q", gotBody.ClientID)
	}
	if len(gotBody.Events) != 1 || gotBody.Events[0].Name != "purchase" {
		t.Fatalf("events: %+v", gotBody.Events)
	}
	if gotBody.Events[0].Params["transaction_id"] != "1001" {
		t.Fatalf("transaction_id: %v", gotBody.Events[0].Params["transaction_id"])
	}
}

func TestMetaSend(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Data []metaEvent `json:"data"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMeta(srv.Client())
	m.BaseURL = srv.URL
	creds := Credentials{"pixel_id": "555", "access_token": "tok"}

	p := samplePayload()
	res := m.Send(context.Background(), creds, p, "evt-2")
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if gotPath != "/555/events" {
		t.Fatalf("path: %q", gotPath)
	}
	ev := gotBody.Data[0]
	if ev.EventName != "Purchase" || ev.EventID != "evt-2" {
		t.Fatalf("event: %+v", ev)
	}
	if ev.EventTime != p.EventTime.Unix() {
		t.Fatalf("event_time: %d", ev.EventTime)
	}
	em, ok := ev.UserData["em"].([]any)
	if !ok || len(em) != 1 || em[0] != p.HashedEmail {
		t.Fatalf("user_data em: %v", ev.UserData["em"])
	}
}

func TestMetaRefundEventName(t *testing.T) {
	var gotBody struct {
		Data []metaEvent `json:"data"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMeta(srv.Client())
	m.BaseURL = srv.URL

	p := samplePayload()
	p.EventKind = "refund"
	m.Send(context.Background(), Credentials{"pixel_id": "555", "access_token": "tok"}, p, "evt")
	if gotBody.Data[0].EventName != "Refund" {
		t.Fatalf("event name: %q", gotBody.Data[0].EventName)
	}
}

func TestTikTokSend(t *testing.T) {
	var gotToken string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("Access-Token")
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tk := NewTikTok(srv.Client())
	tk.BaseURL = srv.URL
	creds := Credentials{"pixel_code": "px-1", "access_token": "tt-tok"}

	res := tk.Send(context.Background(), creds, samplePayload(), "evt-3")
	if !res.Success {
		t.Fatalf("send failed: %+v", res)
	}
	if gotToken != "tt-tok" {
		t.Fatalf("Access-Token header: %q", gotToken)
	}
	if gotBody["event_source_id"] != "px-1" {
		t.Fatalf("event_source_id: %v", gotBody["event_source_id"])
	}
	data := gotBody["data"].([]any)
	ev := data[0].(map[string]any)
	if ev["event"] != "CompletePayment" || ev["event_id"] != "evt-3" {
		t.Fatalf("event: %v", ev)
	}
}

func TestSendStatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusTooManyRequests, false},
		{http.StatusForbidden, true},
		{http.StatusBadRequest, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		g := NewGA4(srv.Client())
		g.BaseURL = srv.URL
		res := g.Send(context.Background(), Credentials{"measurement_id": "G", "api_secret": "s"}, samplePayload(), "evt")
		srv.Close()

		if res.Success {
			t.Fatalf("status %d must not succeed", tc.status)
		}
		if res.StatusCode != tc.status {
			t.Fatalf("status code %d, want %d", res.StatusCode, tc.status)
		}
		if res.Permanent != tc.permanent {
			t.Fatalf("status %d permanent=%v, want %v", tc.status, res.Permanent, tc.permanent)
		}
	}
}

func TestSendNetworkErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	g := NewGA4(&http.Client{Timeout: time.Second})
	g.BaseURL = srv.URL
	res := g.Send(context.Background(), Credentials{"measurement_id": "G", "api_secret": "s"}, samplePayload(), "evt")
	if res.Success || res.Err == nil {
		t.Fatalf("connection refused must surface an error: %+v", res)
	}
	if res.Permanent {
		t.Fatalf("network errors are retryable")
	}
}

func TestValidateCredentials(t *testing.T) {
	g := NewGA4(nil)
	if err := g.ValidateCredentials(Credentials{"measurement_id": "G"}); err == nil {
		t.Fatalf("missing api_secret must be rejected")
	}
	if err := g.ValidateCredentials(Credentials{"measurement_id": "G", "api_secret": "s"}); err != nil {
		t.Fatalf("valid credentials rejected: %v", err)
	}
}

func TestBuildPayloadFallsBackToNow(t *testing.T) {
	input, _ := json.Marshal(models.OrderInput{Kind: models.EventKindPurchase})
	job := &models.ConversionJob{OrderID: "1", Value: 10.005, Currency: "EUR", Input: input}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, err := BuildPayload(job, now)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !p.EventTime.Equal(now) {
		t.Fatalf("zero created_at should fall back to the batch clock, got %v", p.EventTime)
	}
	if p.Value != 10.01 {
		t.Fatalf("value should be rounded to cents, got %v", p.Value)
	}
}
