// Package pipeline runs the periodic batch pass: claim, prefetch, process
// with bounded concurrency, finalize.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pixel-relay-backend/dispatch"
	"pixel-relay-backend/metrics"
	"pixel-relay-backend/models"
	"pixel-relay-backend/queue"
	"pixel-relay-backend/receipts"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

type JobStore interface {
	Claim(ctx context.Context, batchSize int) ([]models.ConversionJob, error)
	FinalizeBatch(ctx context.Context, updates []queue.JobUpdate) error
	FinalizeOne(ctx context.Context, update queue.JobUpdate) error
}

type ShopStore interface {
	WithConfigs(ctx context.Context, domain string) (*models.Shop, []models.PlatformConfig, error)
}

// ReceiptWriter writes evaluated trust levels back onto receipts.
type ReceiptWriter interface {
	SetTrustLevel(ctx context.Context, receiptID, level string) error
}

type Runner struct {
	Jobs         JobStore
	Shops        ShopStore
	ReceiptWrite ReceiptWriter
	Matcher      *receipts.Matcher
	Orchestrator *dispatch.Orchestrator
	Backoff      *queue.BatchBackoff
	RetryCfg     queue.BackoffConfig
	BatchSize    int
	Workers      int
	Log          *slog.Logger
	Now          func() time.Time
}

// Summary reports one pass for logs and the scheduler.
type Summary struct {
	Claimed      int
	Completed    int
	Failed       int
	DeadLettered int
	// Requeued counts jobs released untouched because a collaborator (shop
	// store, receipt store) was unavailable.
	Requeued int
}

// RunOnce executes a single batch pass. Infrastructure errors (claim,
// prefetch, finalize) are returned to the caller; per-job delivery failures
// are absorbed into job state.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	// Adaptive throttle first: when recent batches failed hard, the whole
	// pipeline slows down, not just individual jobs.
	if err := r.Backoff.Wait(ctx); err != nil {
		return sum, err
	}
	metrics.BatchDelaySeconds.Set(r.Backoff.Delay().Seconds())

	jobs, err := r.Jobs.Claim(ctx, r.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("claim batch: %w", err)
	}
	if len(jobs) == 0 {
		return sum, nil
	}
	sum.Claimed = len(jobs)
	now := r.Now()

	// One batched receipt read before any job is touched.
	keys := make([]receipts.JobKey, len(jobs))
	for i, j := range jobs {
		keys[i] = receipts.JobKey{
			ShopDomain:    j.ShopDomain,
			OrderID:       j.OrderID,
			CheckoutToken: checkoutToken(&j),
			CreatedAt:     j.CreatedAt,
		}
	}
	idx, err := r.Matcher.BatchFetch(ctx, keys)
	if err != nil {
		r.unclaim(ctx, jobs)
		return sum, fmt.Errorf("prefetch receipts: %w", err)
	}

	shops := &shopCache{store: r.Shops}

	var (
		mu      sync.Mutex
		updates []queue.JobUpdate
		badJobs int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.Workers)
	for i := range jobs {
		job := jobs[i]
		key := keys[i]
		g.Go(func() error {
			update := r.processOne(gctx, &job, key, idx, shops, now)
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, update)
			switch update.Status {
			case models.JobCompleted:
				sum.Completed++
			case models.JobDeadLetter:
				sum.DeadLettered++
				badJobs++
			case models.JobQueued:
				sum.Requeued++
				badJobs++
			default:
				sum.Failed++
				badJobs++
			}
			metrics.JobsProcessed.WithLabelValues(string(update.Status)).Inc()
			return nil
		})
	}
	_ = g.Wait()

	// One batched write; fall back to per-row updates rather than losing
	// the pass's work.
	if err := r.Jobs.FinalizeBatch(ctx, updates); err != nil {
		r.Log.Error("batched finalize failed, falling back to per-row updates", "error", err)
		var lastErr error
		for _, u := range updates {
			if err := r.Jobs.FinalizeOne(ctx, u); err != nil {
				lastErr = err
				r.Log.Error("per-row finalize failed", "job_id", u.JobID, "error", err)
			}
		}
		if lastErr != nil {
			return sum, fmt.Errorf("finalize batch: %w", lastErr)
		}
	}

	rate := float64(badJobs) / float64(len(jobs))
	metrics.BatchFailureRate.Set(rate)
	r.Backoff.Observe(len(jobs), badJobs)
	metrics.BatchDelaySeconds.Set(r.Backoff.Delay().Seconds())

	r.Log.Info("batch pass finished",
		"claimed", sum.Claimed, "completed", sum.Completed,
		"failed", sum.Failed, "dead_lettered", sum.DeadLettered,
		"requeued", sum.Requeued,
		"failure_rate", rate, "next_delay", r.Backoff.Delay().String())
	return sum, nil
}

// processOne resolves everything one job needs and turns the dispatch
// outcome into a finalize update. Store errors here are per-job retryable
// failures, not batch aborts.
func (r *Runner) processOne(ctx context.Context, job *models.ConversionJob, key receipts.JobKey, idx *receipts.Index, shops *shopCache, now time.Time) queue.JobUpdate {
	shop, configs, err := shops.get(ctx, job.ShopDomain)
	if err != nil {
		return r.requeueUpdate(job, now, fmt.Sprintf("resolve shop: %v", err))
	}

	receipt, err := r.Matcher.FindForJob(ctx, idx, key)
	if err != nil {
		return r.requeueUpdate(job, now, fmt.Sprintf("match receipt: %v", err))
	}

	outcome := r.Orchestrator.ProcessJob(ctx, job, shop, configs, receipt)

	if outcome.TrustMeta.Level != "" {
		metrics.TrustEvaluations.WithLabelValues(string(outcome.TrustMeta.Level)).Inc()
	}
	for platform, result := range outcome.PlatformResults {
		metrics.PlatformResults.WithLabelValues(platform, shortResult(result)).Inc()
	}

	if receipt != nil && r.ReceiptWrite != nil {
		if err := r.ReceiptWrite.SetTrustLevel(ctx, receipt.ID, string(outcome.TrustMeta.Level)); err != nil {
			r.Log.Warn("trust level write-back failed", "receipt_id", receipt.ID, "error", err)
		}
	}

	decision := queue.DecideAfterAttempt(job, outcome.Succeeded, outcome.AllPermanent, r.RetryCfg, now)
	update := queue.JobUpdate{
		JobID:           job.ID,
		Status:          decision.Status,
		Attempts:        decision.Attempts,
		NextRetryAt:     decision.NextRetryAt,
		LastAttemptAt:   now,
		ErrorMessage:    outcome.ErrorMessage,
		PlatformResults: mustJSON(outcome.PlatformResults),
		TrustMetadata:   mustJSON(outcome.TrustMeta),
		ConsentEvidence: mustJSON(outcome.ConsentEvidence),
	}
	if decision.Status == models.JobCompleted {
		update.CompletedAt = &now
	}
	return update
}

// requeueUpdate releases a job whose collaborators (shop lookup, receipt
// match) were unavailable. Infrastructure trouble is not the job's failure:
// the attempt budget and retry schedule are left untouched so a store blip
// cannot march deliverable jobs into the dead-letter queue.
func (r *Runner) requeueUpdate(job *models.ConversionJob, now time.Time, msg string) queue.JobUpdate {
	return queue.JobUpdate{
		JobID:           job.ID,
		Status:          models.JobQueued,
		Attempts:        job.Attempts,
		NextRetryAt:     job.NextRetryAt,
		LastAttemptAt:   now,
		ErrorMessage:    msg,
		PlatformResults: job.PlatformResults,
		TrustMetadata:   job.TrustMetadata,
		ConsentEvidence: job.ConsentEvidence,
	}
}

// unclaim makes a best effort at releasing jobs a failed prefetch stranded
// in processing, so a later pass can retry the whole batch.
func (r *Runner) unclaim(ctx context.Context, jobs []models.ConversionJob) {
	for _, j := range jobs {
		err := r.Jobs.FinalizeOne(ctx, queue.JobUpdate{
			JobID:           j.ID,
			Status:          models.JobQueued,
			Attempts:        j.Attempts,
			NextRetryAt:     j.NextRetryAt,
			LastAttemptAt:   lastTouch(j),
			ErrorMessage:    j.ErrorMessage,
			PlatformResults: j.PlatformResults,
			TrustMetadata:   j.TrustMetadata,
			ConsentEvidence: j.ConsentEvidence,
		})
		if err != nil {
			r.Log.Error("unclaim failed, job stranded in processing", "job_id", j.ID, "error", err)
		}
	}
}

func lastTouch(j models.ConversionJob) time.Time {
	if j.LastAttemptAt != nil {
		return *j.LastAttemptAt
	}
	return j.CreatedAt
}

// shopCache memoizes shop+config lookups within one batch.
type shopCache struct {
	store ShopStore

	mu      sync.Mutex
	entries map[string]*shopEntry
}

type shopEntry struct {
	shop    *models.Shop
	configs []models.PlatformConfig
	err     error
}

func (c *shopCache) get(ctx context.Context, domain string) (*models.Shop, []models.PlatformConfig, error) {
	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]*shopEntry)
	}
	if e, ok := c.entries[domain]; ok {
		c.mu.Unlock()
		return e.shop, e.configs, e.err
	}
	c.mu.Unlock()

	shop, configs, err := c.store.WithConfigs(ctx, domain)

	c.mu.Lock()
	c.entries[domain] = &shopEntry{shop: shop, configs: configs, err: err}
	c.mu.Unlock()
	return shop, configs, err
}

func checkoutToken(job *models.ConversionJob) string {
	var input models.OrderInput
	if err := json.Unmarshal(job.Input, &input); err != nil {
		return ""
	}
	return input.CheckoutToken
}

// shortResult collapses "skipped:<reason>" to "skipped" etc. so metric
// cardinality stays bounded.
func shortResult(result string) string {
	for i := 0; i < len(result); i++ {
		if result[i] == ':' {
			return result[:i]
		}
	}
	return result
}

func mustJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON(`{}`)
	}
	return datatypes.JSON(b)
}
