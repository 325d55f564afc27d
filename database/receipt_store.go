package database

import (
	"context"
	"time"

	"pixel-relay-backend/models"
	"pixel-relay-backend/receipts"

	"gorm.io/gorm"
)

// ReceiptStore is the gorm-backed receipts.Store.
type ReceiptStore struct {
	DB *gorm.DB
}

var _ receipts.Store = (*ReceiptStore)(nil)

// FetchByKeys issues a single query for the whole batch: one IN over shop
// domains, OR'd INs over order keys and checkout tokens.
func (s *ReceiptStore) FetchByKeys(ctx context.Context, keys []receipts.JobKey) ([]models.PixelReceipt, error) {
	shops := make([]string, 0, len(keys))
	orders := make([]string, 0, len(keys))
	tokens := make([]string, 0, len(keys))
	seenShop := map[string]bool{}
	for _, k := range keys {
		if !seenShop[k.ShopDomain] {
			seenShop[k.ShopDomain] = true
			shops = append(shops, k.ShopDomain)
		}
		orders = append(orders, k.OrderID)
		if k.CheckoutToken != "" {
			tokens = append(tokens, k.CheckoutToken)
		}
	}

	match := s.DB.Where("order_key IN ?", orders)
	if len(tokens) > 0 {
		match = match.Or("checkout_token IN ?", tokens)
	}

	var rows []models.PixelReceipt
	err := s.DB.WithContext(ctx).
		Where("shop_domain IN ?", shops).
		Where("event_type = ?", models.EventKindPurchase).
		Where(match).
		Find(&rows).Error
	return rows, err
}

func (s *ReceiptStore) WindowCandidates(ctx context.Context, shopDomain string, center time.Time, window time.Duration, limit int) ([]models.PixelReceipt, error) {
	var rows []models.PixelReceipt
	err := s.DB.WithContext(ctx).
		Where("shop_domain = ?", shopDomain).
		Where("event_type = ?", models.EventKindPurchase).
		Where("received_at BETWEEN ? AND ?", center.Add(-window), center.Add(window)).
		Order("received_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// SetTrustLevel writes the evaluated trust level back onto the receipt.
func (s *ReceiptStore) SetTrustLevel(ctx context.Context, receiptID, level string) error {
	return s.DB.WithContext(ctx).Model(&models.PixelReceipt{}).
		Where("id = ?", receiptID).
		Update("trust_level", level).Error
}
