package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pixel-relay-backend/metrics"
	"pixel-relay-backend/models"
	"pixel-relay-backend/trust"
)

// Result strings stored in ConversionJob.PlatformResults.
const (
	ResultSent          = "sent"
	resultSkippedPrefix = "skipped:"
	resultFailedPrefix  = "failed:"
)

// Outcome is what one job's processing produced. The caller owns the retry
// decision; Succeeded=false means at least one eligible platform send failed
// and nothing else sent.
type Outcome struct {
	Succeeded bool
	// AllPermanent is set when every counted failure was one retrying cannot
	// fix (credential or validation rejections). The retry controller
	// dead-letters such jobs instead of burning the remaining attempts.
	AllPermanent    bool
	PlatformResults map[string]string
	TrustMeta       trust.Metadata
	ConsentEvidence map[string]any
	SentCount       int
	FailedCount     int
	SkippedCount    int
	ErrorMessage    string
}

type Orchestrator struct {
	Registry      *Registry
	CredentialKey []byte
	Limits        trust.Limits
	Log           *slog.Logger
	Now           func() time.Time
}

func NewOrchestrator(registry *Registry, credentialKey []byte, limits trust.Limits, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Registry:      registry,
		CredentialKey: credentialKey,
		Limits:        limits,
		Log:           log,
		Now:           time.Now,
	}
}

// ProcessJob evaluates trust once, gates each configured platform, and sends
// to all eligible ones concurrently. Sends are isolated: one platform's
// failure never cancels another's attempt.
func (o *Orchestrator) ProcessJob(ctx context.Context, job *models.ConversionJob, shop *models.Shop, configs []models.PlatformConfig, receipt *models.PixelReceipt) Outcome {
	now := o.Now()
	results := make(map[string]string, len(configs))

	payload, err := BuildPayload(job, now)
	if err != nil {
		// Input was validated at enqueue; a decode failure here means the
		// row was corrupted and retrying won't help, but the retry path is
		// still the safe default.
		return Outcome{
			PlatformResults: results,
			ErrorMessage:    fmt.Sprintf("decode job input: %v", err),
		}
	}

	res, meta, consent := trust.Evaluate(receipt, payload.CheckoutToken, shop.AllowedHosts(), o.Limits, now)

	evidence := map[string]any{
		"strategy": shop.ConsentStrategy,
		"state":    consent,
		"used":     map[string]string{},
	}
	used := evidence["used"].(map[string]string)

	out := Outcome{PlatformResults: results, TrustMeta: meta, ConsentEvidence: evidence}

	if len(configs) == 0 {
		// Nothing to deliver to is a terminal success, not a failure.
		o.Log.Info("no platforms configured, completing job",
			"shop", shop.Domain, "order", job.OrderID)
		out.Succeeded = true
		return out
	}

	type target struct {
		platform Platform
		creds    Credentials
	}
	var (
		targets        []target
		permanentFails int
	)

	for _, pc := range configs {
		platform, ok := o.Registry.Lookup(pc.Platform)
		if !ok {
			results[pc.Platform] = resultSkippedPrefix + "unknown_platform"
			out.SkippedCount++
			continue
		}

		elig := trust.CheckPlatformEligibility(platform.ConsentCategory(), pc.TreatAsMarketing, res, consent, shop.ConsentStrategy)
		if !elig.Allowed {
			results[pc.Platform] = resultSkippedPrefix + elig.SkipReason
			out.SkippedCount++
			o.Log.Info("platform skipped by policy",
				"shop", shop.Domain, "order", job.OrderID,
				"platform", pc.Platform, "reason", elig.SkipReason)
			continue
		}
		used[pc.Platform] = elig.UsedConsent

		creds, err := Unseal(pc.Credentials, o.CredentialKey, pc.Platform)
		if err == nil {
			err = platform.ValidateCredentials(creds)
		}
		if err != nil {
			results[pc.Platform] = resultFailedPrefix + "credentials_invalid"
			out.FailedCount++
			permanentFails++
			o.Log.Error("platform credentials unusable",
				"shop", shop.Domain, "platform", pc.Platform, "error", err)
			continue
		}
		targets = append(targets, target{platform: platform, creds: creds})
	}

	// All eligible platforms in parallel, each awaited independently.
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			eventID := EventID(shop.Domain, job.OrderID, payload.EventKind, t.platform.Name())
			started := time.Now()
			sr := t.platform.Send(ctx, t.creds, payload, eventID)
			metrics.PlatformSendSeconds.WithLabelValues(t.platform.Name()).Observe(time.Since(started).Seconds())

			mu.Lock()
			defer mu.Unlock()
			if sr.Success {
				results[t.platform.Name()] = ResultSent
				out.SentCount++
				return
			}
			results[t.platform.Name()] = resultFailedPrefix + failureReason(sr)
			out.FailedCount++
			if sr.Permanent {
				permanentFails++
			}
			o.Log.Warn("platform send failed",
				"shop", shop.Domain, "order", job.OrderID,
				"platform", t.platform.Name(), "status", sr.StatusCode,
				"permanent", sr.Permanent, "error", sr.Err)
		}(t)
	}
	wg.Wait()

	// At least one delivery, or nothing but policy skips, completes the job.
	out.Succeeded = out.SentCount > 0 || out.FailedCount == 0
	if !out.Succeeded {
		out.AllPermanent = permanentFails == out.FailedCount
		out.ErrorMessage = fmt.Sprintf("%d of %d platform sends failed", out.FailedCount, out.FailedCount+out.SentCount)
	}
	return out
}

func failureReason(sr SendResult) string {
	if sr.StatusCode > 0 {
		return fmt.Sprintf("status_%d", sr.StatusCode)
	}
	return "network"
}
