// Package locks implements webhook-level idempotency across processing
// instances. A unique-constrained row per (shop, webhook id, topic) is the
// mutex; stale processing rows can be taken over exactly once via a verified
// conditional update.
package locks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"pixel-relay-backend/models"
)

// ErrDuplicate is returned by Store.Insert when the lock row already exists.
var ErrDuplicate = errors.New("webhook lock already exists")

// Store is the persistence surface the manager needs. The gorm
// implementation lives in the database package.
type Store interface {
	Insert(ctx context.Context, lock *models.WebhookLock) error
	Get(ctx context.Context, shopDomain, webhookID, topic string) (*models.WebhookLock, error)
	// TakeoverIfStale conditionally bumps received_at to newReceivedAt, only
	// if the row is still processing and received_at is older than olderThan.
	// Reports whether a row was updated.
	TakeoverIfStale(ctx context.Context, shopDomain, webhookID, topic string, olderThan, newReceivedAt time.Time) (bool, error)
	SetStatus(ctx context.Context, shopDomain, webhookID, topic string, status models.LockStatus, processedAt time.Time) error
}

type Manager struct {
	Store           Store
	Staleness       time.Duration
	VerifyTolerance time.Duration
	ReleaseRetries  int
	Log             *slog.Logger
	Now             func() time.Time
	// Sleep is swappable so release-retry tests don't wait.
	Sleep func(time.Duration)
}

func NewManager(store Store, staleness, verifyTolerance time.Duration, log *slog.Logger) *Manager {
	return &Manager{
		Store:           store,
		Staleness:       staleness,
		VerifyTolerance: verifyTolerance,
		ReleaseRetries:  3,
		Log:             log,
		Now:             time.Now,
		Sleep:           time.Sleep,
	}
}

type AcquireResult struct {
	Acquired bool
	Existing bool
}

// Acquire attempts to own the processing of one webhook delivery. A missing
// webhook id cannot be deduplicated, so it always acquires.
func (m *Manager) Acquire(ctx context.Context, shopDomain, webhookID, topic string) (AcquireResult, error) {
	if webhookID == "" {
		m.Log.Warn("webhook id header missing, processing without dedup",
			"shop", shopDomain, "topic", topic)
		return AcquireResult{Acquired: true}, nil
	}

	now := m.Now()
	err := m.Store.Insert(ctx, &models.WebhookLock{
		ShopDomain: shopDomain,
		WebhookID:  webhookID,
		Topic:      topic,
		Status:     models.LockProcessing,
		ReceivedAt: now,
	})
	if err == nil {
		return AcquireResult{Acquired: true}, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return AcquireResult{}, err
	}

	existing, err := m.Store.Get(ctx, shopDomain, webhookID, topic)
	if err != nil {
		return AcquireResult{}, err
	}

	if existing.Status != models.LockProcessing {
		// Already processed or failed terminally: a clean duplicate.
		return AcquireResult{Existing: true}, nil
	}

	cutoff := now.Add(-m.Staleness)
	if !existing.ReceivedAt.Before(cutoff) {
		// Another instance is actively working on it.
		return AcquireResult{Existing: true}, nil
	}

	// The holder looks dead. Take over with a conditional update, then
	// verify we were the instance that won: a competing takeover would have
	// written its own received_at.
	updated, err := m.Store.TakeoverIfStale(ctx, shopDomain, webhookID, topic, cutoff, now)
	if err != nil {
		return AcquireResult{}, err
	}
	if !updated {
		return AcquireResult{Existing: true}, nil
	}

	after, err := m.Store.Get(ctx, shopDomain, webhookID, topic)
	if err != nil {
		return AcquireResult{}, err
	}
	drift := after.ReceivedAt.Sub(now)
	if drift < 0 {
		drift = -drift
	}
	if drift > m.VerifyTolerance {
		m.Log.Info("lost stale-lock takeover race",
			"shop", shopDomain, "webhook_id", webhookID, "topic", topic)
		return AcquireResult{Existing: true}, nil
	}

	m.Log.Warn("took over stale webhook lock",
		"shop", shopDomain, "webhook_id", webhookID, "topic", topic,
		"stale_for", now.Sub(existing.ReceivedAt).String())
	return AcquireResult{Acquired: true, Existing: true}, nil
}

// Release marks the lock processed or failed. Persistence failures are
// retried with short backoff and then dropped: the caller's business result
// must not be lost to a bookkeeping write.
func (m *Manager) Release(ctx context.Context, shopDomain, webhookID, topic string, status models.LockStatus) {
	if webhookID == "" {
		return
	}
	delay := 100 * time.Millisecond
	for attempt := 0; attempt <= m.ReleaseRetries; attempt++ {
		err := m.Store.SetStatus(ctx, shopDomain, webhookID, topic, status, m.Now())
		if err == nil {
			return
		}
		if attempt == m.ReleaseRetries {
			m.Log.Error("giving up on webhook lock release",
				"shop", shopDomain, "webhook_id", webhookID, "topic", topic,
				"status", string(status), "error", err)
			return
		}
		m.Sleep(delay)
		delay *= 2
	}
}

// RunLocked runs fn only if the lock is acquired, then releases it with the
// matching outcome. The bool reports whether fn ran.
func (m *Manager) RunLocked(ctx context.Context, shopDomain, webhookID, topic string, fn func() error) (bool, error) {
	res, err := m.Acquire(ctx, shopDomain, webhookID, topic)
	if err != nil {
		return false, err
	}
	if !res.Acquired {
		return false, nil
	}
	if err := fn(); err != nil {
		m.Release(ctx, shopDomain, webhookID, topic, models.LockFailed)
		return true, err
	}
	m.Release(ctx, shopDomain, webhookID, topic, models.LockProcessed)
	return true, nil
}
