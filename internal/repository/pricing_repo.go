package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PricingRepository struct {
	db *gorm.DB
}

func NewPricingRepository(db *gorm.DB) *PricingRepository {
	return &PricingRepository{db: db}
}

func (r *PricingRepository) Create(ctx context.Context, pricing *model.TokenPricing) error {
	pricing.CountryCode = strings.ToUpper(strings.TrimSpace(pricing.CountryCode))
	pricing.Currency = strings.ToUpper(strings.TrimSpace(pricing.Currency))
	if pricing.PriceEffectiveFrom.IsZero() {
		pricing.PriceEffectiveFrom = time.Now()
	}
	return r.db.WithContext(ctx).Create(pricing).Error
}

func (r *PricingRepository) GetByID(ctx context.Context, id int64) (*model.TokenPricing, error) {
	var pricing model.TokenPricing
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pricing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgererr.ErrPricingNotFound
		}
		return nil, err
	}
	return &pricing, nil
}

func (r *PricingRepository) getByCountry(ctx context.Context, countryCode string) (*model.TokenPricing, error) {
	var pricing model.TokenPricing
	err := r.db.WithContext(ctx).
		Where("country_code = ? AND is_enabled = ?", countryCode, true).
		First(&pricing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pricing, nil
}

func (r *PricingRepository) getByCurrency(ctx context.Context, currency string) (*model.TokenPricing, error) {
	var pricing model.TokenPricing
	err := r.db.WithContext(ctx).
		Where("currency = ? AND is_enabled = ?", currency, true).
		Order("id ASC").
		First(&pricing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pricing, nil
}

// Resolve 定价解析：精确国家 -> GLOBAL 兜底 -> USD 币种兜底
// 三级全部未命中才返回 ErrPricingNotFound
func (r *PricingRepository) Resolve(ctx context.Context, countryCode string) (*model.TokenPricing, error) {
	countryCode = strings.ToUpper(strings.TrimSpace(countryCode))

	if countryCode != "" {
		pricing, err := r.getByCountry(ctx, countryCode)
		if err != nil {
			return nil, err
		}
		if pricing != nil {
			return pricing, nil
		}
	}

	pricing, err := r.getByCountry(ctx, model.CountryCodeGlobal)
	if err != nil {
		return nil, err
	}
	if pricing != nil {
		return pricing, nil
	}

	pricing, err = r.getByCurrency(ctx, "USD")
	if err != nil {
		return nil, err
	}
	if pricing != nil {
		return pricing, nil
	}

	return nil, ledgererr.ErrPricingNotFound
}

// UpdatePrice 改价
//
// 【关键点】旧价格必须先连同生效区间快照进 PriceHistory，再写新价格。
// 加行锁读出当前价，同一事务内追加快照 + 更新价格，不存在丢历史的窗口
func (r *PricingRepository) UpdatePrice(ctx context.Context, pricingID int64, newPrice decimal.Decimal, changedBy int64, reason string, now time.Time) (*model.TokenPricing, error) {
	var updated *model.TokenPricing

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pricing model.TokenPricing
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", pricingID).
			First(&pricing).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledgererr.ErrPricingNotFound
			}
			return err
		}

		snapshot := model.PriceSnapshot{
			Price:          pricing.Price,
			EffectiveFrom:  pricing.PriceEffectiveFrom,
			EffectiveUntil: now,
			ChangedBy:      changedBy,
			Reason:         reason,
		}
		history := append(pricing.PriceHistory, snapshot)

		err = tx.Model(&model.TokenPricing{}).
			Where("id = ?", pricingID).
			Updates(map[string]interface{}{
				"price":                newPrice,
				"price_effective_from": now,
				"price_history":        history,
			}).Error
		if err != nil {
			return err
		}

		pricing.Price = newPrice
		pricing.PriceEffectiveFrom = now
		pricing.PriceHistory = history
		updated = &pricing
		return nil
	})

	if err != nil {
		return nil, err
	}
	return updated, nil
}
