package service

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PricingService 区域定价的读写入口
// 读多写少：报价路径只走 Resolve，改价是低频管理操作
type PricingService struct {
	pricingRepo *repository.PricingRepository
	db          *gorm.DB
}

func NewPricingService(db *gorm.DB) *PricingService {
	return &PricingService{
		pricingRepo: repository.NewPricingRepository(db),
		db:          db,
	}
}

// Resolve 定价解析：精确国家 -> GLOBAL -> USD
func (s *PricingService) Resolve(ctx context.Context, countryCode string) (*model.TokenPricing, error) {
	return s.pricingRepo.Resolve(ctx, countryCode)
}

func (s *PricingService) Create(ctx context.Context, pricing *model.TokenPricing) error {
	if pricing.CountryCode == "" || pricing.Currency == "" {
		return errors.New("国家和币种不能为空")
	}
	if !pricing.Price.IsPositive() {
		return errors.New("单价必须大于0")
	}
	if pricing.MinPurchase <= 0 {
		pricing.MinPurchase = 1
	}
	return s.pricingRepo.Create(ctx, pricing)
}

// UpdatePrice 改价，旧价格先快照进历史再生效新价格
func (s *PricingService) UpdatePrice(ctx context.Context, pricingID int64, newPrice decimal.Decimal, actor int64, reason string) (*model.TokenPricing, error) {
	if !newPrice.IsPositive() {
		return nil, errors.New("单价必须大于0")
	}
	return s.pricingRepo.UpdatePrice(ctx, pricingID, newPrice, actor, reason, time.Now())
}
