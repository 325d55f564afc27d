package database

import (
	"context"

	"pixel-relay-backend/models"

	"gorm.io/gorm"
)

// ShopStore resolves tenants and their destination configs.
type ShopStore struct {
	DB *gorm.DB
}

func (s *ShopStore) ByDomain(ctx context.Context, domain string) (*models.Shop, error) {
	var shop models.Shop
	err := s.DB.WithContext(ctx).Where("domain = ?", domain).First(&shop).Error
	if err != nil {
		return nil, err
	}
	return &shop, nil
}

// WithConfigs loads a shop and its enabled platform configs in one call.
func (s *ShopStore) WithConfigs(ctx context.Context, domain string) (*models.Shop, []models.PlatformConfig, error) {
	shop, err := s.ByDomain(ctx, domain)
	if err != nil {
		return nil, nil, err
	}
	var configs []models.PlatformConfig
	err = s.DB.WithContext(ctx).
		Where("shop_id = ? AND enabled = ?", shop.ID, true).
		Find(&configs).Error
	if err != nil {
		return nil, nil, err
	}
	return shop, configs, nil
}
