// Package receipts correlates conversion jobs with client-side pixel
// receipts. Matching prefers exact keys and falls back to a small
// time-windowed candidate scan, because the checkout token recorded in the
// browser and the order id assigned by the platform arrive asynchronously.
package receipts

import (
	"context"
	"crypto/subtle"
	"time"

	"pixel-relay-backend/models"
)

// JobKey identifies one job's lookup keys.
type JobKey struct {
	ShopDomain    string
	OrderID       string
	CheckoutToken string
	CreatedAt     time.Time
}

// Store is the read surface over pixel_receipts.
type Store interface {
	// FetchByKeys returns purchase receipts matching any of the given order
	// keys or checkout tokens, in one query for the whole batch.
	FetchByKeys(ctx context.Context, keys []JobKey) ([]models.PixelReceipt, error)
	// WindowCandidates returns up to limit receipts for one shop received
	// within ±window of center, oldest first.
	WindowCandidates(ctx context.Context, shopDomain string, center time.Time, window time.Duration, limit int) ([]models.PixelReceipt, error)
}

// Index holds a batch's prefetched receipts, addressable by order key and by
// checkout token.
type Index struct {
	byOrder map[string]*models.PixelReceipt
	byToken map[string]*models.PixelReceipt
}

type Matcher struct {
	Store       Store
	FuzzyWindow time.Duration
	FuzzyLimit  int
}

func NewMatcher(store Store, fuzzyWindow time.Duration, fuzzyLimit int) *Matcher {
	return &Matcher{Store: store, FuzzyWindow: fuzzyWindow, FuzzyLimit: fuzzyLimit}
}

// BatchFetch loads receipts for an entire batch in a single query and
// indexes them twice so per-job lookups are O(1).
func (m *Matcher) BatchFetch(ctx context.Context, keys []JobKey) (*Index, error) {
	idx := &Index{
		byOrder: make(map[string]*models.PixelReceipt),
		byToken: make(map[string]*models.PixelReceipt),
	}
	if len(keys) == 0 {
		return idx, nil
	}
	rows, err := m.Store.FetchByKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		r := &rows[i]
		idx.byOrder[mapKey(r.ShopDomain, r.OrderKey)] = r
		if r.CheckoutToken != "" {
			idx.byToken[mapKey(r.ShopDomain, r.CheckoutToken)] = r
		}
	}
	return idx, nil
}

// FindForJob resolves the receipt for one job: exact order-key hit, exact
// checkout-token hit, then the fuzzy window fallback. Returns nil (no error)
// when nothing matches.
func (m *Matcher) FindForJob(ctx context.Context, idx *Index, key JobKey) (*models.PixelReceipt, error) {
	if r, ok := idx.byOrder[mapKey(key.ShopDomain, key.OrderID)]; ok {
		return r, nil
	}
	if key.CheckoutToken != "" {
		if r, ok := idx.byToken[mapKey(key.ShopDomain, key.CheckoutToken)]; ok {
			return r, nil
		}
	}

	// Best-effort fallback. Candidate window and count stay small: this
	// path trades strictness for recall and must not grow unbounded.
	candidates, err := m.Store.WindowCandidates(ctx, key.ShopDomain, key.CreatedAt, m.FuzzyWindow, m.FuzzyLimit)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if ctEqual(c.OrderKey, key.OrderID) {
			return c, nil
		}
		if key.CheckoutToken != "" && ctEqual(c.CheckoutToken, key.CheckoutToken) {
			return c, nil
		}
	}
	return nil, nil
}

func mapKey(shop, k string) string { return shop + "|" + k }

// ctEqual avoids timing side-channels on token comparison.
func ctEqual(a, b string) bool {
	return len(a) == len(b) && len(a) > 0 &&
		subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
