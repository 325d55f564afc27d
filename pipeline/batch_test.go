package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"pixel-relay-backend/dispatch"
	"pixel-relay-backend/metrics"
	"pixel-relay-backend/models"
	"pixel-relay-backend/queue"
	"pixel-relay-backend/receipts"
	"pixel-relay-backend/trust"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/datatypes"
)

var batchNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var batchKey = make([]byte, 32)

type fakeJobs struct {
	mu sync.Mutex

	claimJobs []models.ConversionJob

	batchErr error
	batched  []queue.JobUpdate
	singles  []queue.JobUpdate
}

func (f *fakeJobs) Claim(_ context.Context, batchSize int) ([]models.ConversionJob, error) {
	jobs := f.claimJobs
	if len(jobs) > batchSize {
		jobs = jobs[:batchSize]
	}
	f.claimJobs = nil
	return jobs, nil
}

func (f *fakeJobs) FinalizeBatch(_ context.Context, updates []queue.JobUpdate) error {
	if f.batchErr != nil {
		return f.batchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batched = append(f.batched, updates...)
	return nil
}

func (f *fakeJobs) FinalizeOne(_ context.Context, update queue.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, update)
	return nil
}

func (f *fakeJobs) updateFor(t *testing.T, jobID uint) queue.JobUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range append(f.batched, f.singles...) {
		if u.JobID == jobID {
			return u
		}
	}
	t.Fatalf("no finalize update for job %d", jobID)
	return queue.JobUpdate{}
}

type fakeShops struct {
	mu      sync.Mutex
	calls   int
	shop    *models.Shop
	configs []models.PlatformConfig
	err     error
}

func (f *fakeShops) WithConfigs(_ context.Context, domain string) (*models.Shop, []models.PlatformConfig, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.shop, f.configs, nil
}

type fakeReceiptStore struct {
	rows     []models.PixelReceipt
	fetchErr error
}

func (f *fakeReceiptStore) FetchByKeys(_ context.Context, keys []receipts.JobKey) ([]models.PixelReceipt, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.rows, nil
}

func (f *fakeReceiptStore) WindowCandidates(_ context.Context, _ string, _ time.Time, _ time.Duration, _ int) ([]models.PixelReceipt, error) {
	return nil, nil
}

type fakeReceiptWriter struct {
	mu     sync.Mutex
	levels map[string]string
}

func (f *fakeReceiptWriter) SetTrustLevel(_ context.Context, receiptID, level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.levels == nil {
		f.levels = make(map[string]string)
	}
	f.levels[receiptID] = level
	return nil
}

// flakyPlatform fails sends for order ids carrying a "fail-" prefix with a
// retryable 503, and for a "reject-" prefix with a permanent 401.
type flakyPlatform struct{}

func (flakyPlatform) Name() string                                   { return "meta" }
func (flakyPlatform) ConsentCategory() trust.Category                { return trust.CategoryMarketing }
func (flakyPlatform) ValidateCredentials(dispatch.Credentials) error { return nil }

func (flakyPlatform) Send(_ context.Context, _ dispatch.Credentials, p dispatch.ConversionPayload, _ string) dispatch.SendResult {
	switch {
	case strings.HasPrefix(p.OrderID, "fail-"):
		return dispatch.SendResult{StatusCode: 503, Err: errors.New("bad status")}
	case strings.HasPrefix(p.OrderID, "reject-"):
		return dispatch.SendResult{StatusCode: 401, Err: errors.New("bad status"), Permanent: true}
	}
	return dispatch.SendResult{Success: true}
}

func batchShop() *models.Shop {
	return &models.Shop{
		ID:              1,
		Domain:          "demo.myshopify.com",
		PrimaryDomain:   "shop.example.com",
		ConsentStrategy: models.StrategyStrict,
	}
}

func batchJob(id uint, orderID string) models.ConversionJob {
	input, _ := json.Marshal(models.OrderInput{
		Kind:          models.EventKindPurchase,
		CheckoutToken: "tok-" + orderID,
		HMACValid:     true,
	})
	return models.ConversionJob{
		ID:          id,
		ShopDomain:  "demo.myshopify.com",
		OrderID:     orderID,
		Value:       10,
		Currency:    "EUR",
		Input:       datatypes.JSON(input),
		Status:      models.JobProcessing,
		MaxAttempts: 5,
		CreatedAt:   batchNow.Add(-time.Minute),
	}
}

func batchReceipt(orderID string) models.PixelReceipt {
	return models.PixelReceipt{
		ID:              "r-" + orderID,
		ShopDomain:      "demo.myshopify.com",
		OrderKey:        orderID,
		EventType:       models.EventKindPurchase,
		CheckoutToken:   "tok-" + orderID,
		OriginHost:      "shop.example.com",
		ClientTimestamp: batchNow.Add(-5 * time.Minute),
		ReceivedAt:      batchNow.Add(-5 * time.Minute),
		KeyMatch:        true,
		ConsentPayload:  datatypes.JSON(`{"marketing": true, "analytics": true}`),
	}
}

func sealedConfig(t *testing.T, platform string) models.PlatformConfig {
	t.Helper()
	sealed, err := dispatch.Seal(dispatch.Credentials{"token": "x"}, batchKey, platform)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	return models.PlatformConfig{ShopID: 1, Platform: platform, Enabled: true, Credentials: sealed}
}

func newTestRunner(jobs *fakeJobs, shops *fakeShops, store receipts.Store, writer ReceiptWriter) *Runner {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := dispatch.NewOrchestrator(dispatch.NewRegistry(flakyPlatform{}), batchKey, trust.DefaultLimits(), log)
	orch.Now = func() time.Time { return batchNow }
	return &Runner{
		Jobs:         jobs,
		Shops:        shops,
		ReceiptWrite: writer,
		Matcher:      receipts.NewMatcher(store, time.Hour, 25),
		Orchestrator: orch,
		Backoff:      queue.NewBatchBackoff(0.5, 5*time.Second, 5*time.Minute),
		RetryCfg:     queue.BackoffConfig{Base: 30 * time.Second, Cap: 30 * time.Minute, Multiplier: 2},
		BatchSize:    50,
		Workers:      4,
		Log:          log,
		Now:          func() time.Time { return batchNow },
	}
}

func TestRunOnceEmptyBatch(t *testing.T) {
	jobs := &fakeJobs{}
	r := newTestRunner(jobs, &fakeShops{shop: batchShop()}, &fakeReceiptStore{}, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum != (Summary{}) {
		t.Fatalf("empty claim must be a no-op, got %+v", sum)
	}
	if len(jobs.batched)+len(jobs.singles) != 0 {
		t.Fatalf("nothing to finalize on an empty batch")
	}
}

func TestRunOnceCompletesJob(t *testing.T) {
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{batchJob(1, "1001")}}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	store := &fakeReceiptStore{rows: []models.PixelReceipt{batchReceipt("1001")}}
	writer := &fakeReceiptWriter{}
	r := newTestRunner(jobs, shops, store, writer)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Claimed != 1 || sum.Completed != 1 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}

	u := jobs.updateFor(t, 1)
	if u.Status != models.JobCompleted {
		t.Fatalf("status: %s", u.Status)
	}
	if u.CompletedAt == nil || !u.CompletedAt.Equal(batchNow) {
		t.Fatalf("completed_at: %v", u.CompletedAt)
	}
	var results map[string]string
	if err := json.Unmarshal(u.PlatformResults, &results); err != nil {
		t.Fatalf("platform results: %v", err)
	}
	if results["meta"] != dispatch.ResultSent {
		t.Fatalf("meta result: %q", results["meta"])
	}
	if writer.levels["r-1001"] != string(trust.LevelTrusted) {
		t.Fatalf("trust level write-back: %v", writer.levels)
	}
}

func TestRunOnceSchedulesRetryOnFailure(t *testing.T) {
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{batchJob(2, "fail-2002")}}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	store := &fakeReceiptStore{rows: []models.PixelReceipt{batchReceipt("fail-2002")}}
	r := newTestRunner(jobs, shops, store, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary: %+v", sum)
	}

	u := jobs.updateFor(t, 2)
	if u.Status != models.JobFailed || u.Attempts != 1 {
		t.Fatalf("update: %+v", u)
	}
	if u.NextRetryAt == nil || u.NextRetryAt.Before(batchNow.Add(30*time.Second)) {
		t.Fatalf("next retry: %v", u.NextRetryAt)
	}
	if u.ErrorMessage == "" {
		t.Fatalf("failed update should carry the send error")
	}
}

func TestRunOnceDeadLettersExhaustedJob(t *testing.T) {
	job := batchJob(3, "fail-3003")
	job.Attempts = 4
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{job}}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	store := &fakeReceiptStore{rows: []models.PixelReceipt{batchReceipt("fail-3003")}}
	r := newTestRunner(jobs, shops, store, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.DeadLettered != 1 {
		t.Fatalf("summary: %+v", sum)
	}

	u := jobs.updateFor(t, 3)
	if u.Status != models.JobDeadLetter || u.Attempts != 5 {
		t.Fatalf("update: %+v", u)
	}
	if u.NextRetryAt != nil {
		t.Fatalf("dead-lettered jobs never get a retry time, got %v", u.NextRetryAt)
	}
}

// 6 of 10 failing crosses the 0.5 threshold: the shared delay must become
// the initial batch delay while per-job retries stay on their own schedule.
func TestRunOnceHighFailureRateRaisesDelay(t *testing.T) {
	var claim []models.ConversionJob
	var rows []models.PixelReceipt
	for i := 1; i <= 10; i++ {
		orderID := fmt.Sprintf("ok-%d", i)
		if i <= 6 {
			orderID = fmt.Sprintf("fail-%d", i)
		}
		claim = append(claim, batchJob(uint(i), orderID))
		rows = append(rows, batchReceipt(orderID))
	}
	jobs := &fakeJobs{claimJobs: claim}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	r := newTestRunner(jobs, shops, &fakeReceiptStore{rows: rows}, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Completed != 4 || sum.Failed != 6 {
		t.Fatalf("summary: %+v", sum)
	}
	if got := r.Backoff.Delay(); got != 5*time.Second {
		t.Fatalf("delay after bad batch: %v", got)
	}

	// A healthy follow-up batch decays the throttle back to zero.
	jobs.claimJobs = []models.ConversionJob{batchJob(11, "ok-11")}
	r.Backoff = queue.NewBatchBackoff(0.5, time.Millisecond, time.Second)
	r.Backoff.Observe(10, 6)
	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := r.Backoff.Delay(); got != 0 {
		t.Fatalf("delay after good batch: %v", got)
	}
}

func TestRunOncePrefetchFailureUnclaims(t *testing.T) {
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{batchJob(4, "1004"), batchJob(5, "1005")}}
	store := &fakeReceiptStore{fetchErr: errors.New("db down")}
	r := newTestRunner(jobs, &fakeShops{shop: batchShop()}, store, nil)

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatalf("prefetch failure must propagate")
	}
	if len(jobs.singles) != 2 {
		t.Fatalf("both claimed jobs must be released, got %d", len(jobs.singles))
	}
	for _, u := range jobs.singles {
		if u.Status != models.JobQueued {
			t.Fatalf("released job status: %s", u.Status)
		}
		if u.Attempts != 0 {
			t.Fatalf("unclaim must not burn an attempt, got %d", u.Attempts)
		}
	}
}

func TestRunOnceFinalizeFallsBackPerRow(t *testing.T) {
	jobs := &fakeJobs{
		claimJobs: []models.ConversionJob{batchJob(6, "1006"), batchJob(7, "1007")},
		batchErr:  errors.New("deadlock"),
	}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	store := &fakeReceiptStore{rows: []models.PixelReceipt{batchReceipt("1006"), batchReceipt("1007")}}
	r := newTestRunner(jobs, shops, store, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("fallback path should absorb the batch error: %v", err)
	}
	if sum.Completed != 2 {
		t.Fatalf("summary: %+v", sum)
	}
	if len(jobs.singles) != 2 {
		t.Fatalf("expected per-row fallback for each update, got %d", len(jobs.singles))
	}
}

func TestRunOnceShopLookupMemoized(t *testing.T) {
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{
		batchJob(8, "1008"), batchJob(9, "1009"), batchJob(10, "1010"),
	}}
	shops := &fakeShops{shop: batchShop()}
	store := &fakeReceiptStore{}
	r := newTestRunner(jobs, shops, store, nil)
	// The cache checks before it fetches but does not coalesce concurrent
	// misses; a single worker makes the call count exact.
	r.Workers = 1

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if shops.calls != 1 {
		t.Fatalf("one shop lookup per domain per batch, got %d", shops.calls)
	}
}

// A shop-store outage releases the job untouched instead of consuming its
// attempt budget: infrastructure trouble is not the job's failure.
func TestRunOnceShopLookupFailureReleasesJob(t *testing.T) {
	job := batchJob(12, "1012")
	job.Attempts = 3
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{job}}
	shops := &fakeShops{err: errors.New("db down")}
	r := newTestRunner(jobs, shops, &fakeReceiptStore{}, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("per-job store failure must not abort the batch: %v", err)
	}
	if sum.Requeued != 1 || sum.Failed != 0 || sum.DeadLettered != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	u := jobs.updateFor(t, 12)
	if u.Status != models.JobQueued {
		t.Fatalf("released job status: %s", u.Status)
	}
	if u.Attempts != 3 {
		t.Fatalf("store trouble must not burn an attempt, got %d", u.Attempts)
	}
	if u.ErrorMessage == "" {
		t.Fatalf("released job should record the collaborator error")
	}
}

// An adapter-flagged permanent rejection dead-letters on the first attempt
// instead of cycling through the whole retry schedule.
func TestRunOncePermanentRejectionDeadLetters(t *testing.T) {
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{batchJob(13, "reject-1013")}}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	store := &fakeReceiptStore{rows: []models.PixelReceipt{batchReceipt("reject-1013")}}
	r := newTestRunner(jobs, shops, store, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.DeadLettered != 1 || sum.Failed != 0 {
		t.Fatalf("summary: %+v", sum)
	}
	u := jobs.updateFor(t, 13)
	if u.Status != models.JobDeadLetter || u.Attempts != 1 {
		t.Fatalf("update: %+v", u)
	}
	if u.NextRetryAt != nil {
		t.Fatalf("permanent rejection must not schedule a retry, got %v", u.NextRetryAt)
	}
}

// A job whose stored input no longer decodes stays on the retry path and
// must not count a trust evaluation under an empty level label.
func TestRunOnceCorruptInputSkipsTrustMetric(t *testing.T) {
	job := batchJob(14, "1014")
	job.Input = datatypes.JSON(`{`)
	jobs := &fakeJobs{claimJobs: []models.ConversionJob{job}}
	shops := &fakeShops{shop: batchShop(), configs: []models.PlatformConfig{sealedConfig(t, "meta")}}
	r := newTestRunner(jobs, shops, &fakeReceiptStore{}, nil)

	sum, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary: %+v", sum)
	}
	if got := testutil.ToFloat64(metrics.TrustEvaluations.WithLabelValues("")); got != 0 {
		t.Fatalf("trust metric counted %v evaluations with an empty level", got)
	}
}
