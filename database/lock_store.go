package database

import (
	"context"
	"errors"
	"time"

	"pixel-relay-backend/locks"
	"pixel-relay-backend/models"

	"gorm.io/gorm"
)

// LockStore is the gorm-backed locks.Store.
type LockStore struct {
	DB *gorm.DB
}

var _ locks.Store = (*LockStore)(nil)

func (s *LockStore) Insert(ctx context.Context, lock *models.WebhookLock) error {
	err := s.DB.WithContext(ctx).Create(lock).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return locks.ErrDuplicate
	}
	return err
}

func (s *LockStore) Get(ctx context.Context, shopDomain, webhookID, topic string) (*models.WebhookLock, error) {
	var lock models.WebhookLock
	err := s.DB.WithContext(ctx).
		Where("shop_domain = ? AND webhook_id = ? AND topic = ?", shopDomain, webhookID, topic).
		First(&lock).Error
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (s *LockStore) TakeoverIfStale(ctx context.Context, shopDomain, webhookID, topic string, olderThan, newReceivedAt time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.WebhookLock{}).
		Where("shop_domain = ? AND webhook_id = ? AND topic = ?", shopDomain, webhookID, topic).
		Where("status = ? AND received_at < ?", models.LockProcessing, olderThan).
		Update("received_at", newReceivedAt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *LockStore) SetStatus(ctx context.Context, shopDomain, webhookID, topic string, status models.LockStatus, processedAt time.Time) error {
	return s.DB.WithContext(ctx).Model(&models.WebhookLock{}).
		Where("shop_domain = ? AND webhook_id = ? AND topic = ?", shopDomain, webhookID, topic).
		Updates(map[string]any{
			"status":       status,
			"processed_at": processedAt,
		}).Error
}
