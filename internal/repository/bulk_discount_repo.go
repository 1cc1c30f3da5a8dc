package repository

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBulkDiscountNotFound = errors.New("批量折扣不存在")
	ErrTiersOverlap         = errors.New("折扣阶梯区间重叠")
)

type BulkDiscountRepository struct {
	db *gorm.DB
}

func NewBulkDiscountRepository(db *gorm.DB) *BulkDiscountRepository {
	return &BulkDiscountRepository{db: db}
}

// Create 创建阶梯折扣
//
// 【关键点】带 IsDefault 创建时走和 SetDefault 一样的纪律：
// 同一事务内先清掉已有默认标记再插入，全局任意时刻至多一条 is_default = true。
// 清除和插入分开提交的话，创建路径就能绕过 SetDefault 造出第二条默认记录
func (r *BulkDiscountRepository) Create(ctx context.Context, discount *model.BulkDiscount) error {
	if !model.ValidateTiers(discount.Tiers) {
		return ErrTiersOverlap
	}

	if !discount.IsDefault {
		return r.db.WithContext(ctx).Create(discount).Error
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.BulkDiscount{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return err
		}
		return tx.Create(discount).Error
	})
}

func (r *BulkDiscountRepository) GetByID(ctx context.Context, id int64) (*model.BulkDiscount, error) {
	var discount model.BulkDiscount
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&discount).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBulkDiscountNotFound
		}
		return nil, err
	}
	return &discount, nil
}

// ListEnabled 查询启用中且在有效期内的阶梯折扣，优先级降序
// 币种/国家是 JSON 列，通配匹配在 service 层做
func (r *BulkDiscountRepository) ListEnabled(ctx context.Context, now time.Time) ([]*model.BulkDiscount, error) {
	var discounts []*model.BulkDiscount
	err := r.db.WithContext(ctx).
		Where("is_enabled = ?", true).
		Where("valid_from IS NULL OR valid_from <= ?", now).
		Where("valid_until IS NULL OR valid_until >= ?", now).
		Order("priority DESC, id ASC").
		Find(&discounts).Error
	return discounts, err
}

func (r *BulkDiscountRepository) GetDefault(ctx context.Context) (*model.BulkDiscount, error) {
	var discount model.BulkDiscount
	err := r.db.WithContext(ctx).
		Where("is_default = ? AND is_enabled = ?", true, true).
		First(&discount).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &discount, nil
}

// SetDefault 把指定折扣设为全局默认
//
// 【关键点】"清掉所有默认标记 + 设置新默认"必须在一个数据库事务内完成，
// 两步分开提交的话，并发 SetDefault 会交错出两条默认记录。
// 事务内先清后设，提交后全局仍然至多一条 is_default = true
func (r *BulkDiscountRepository) SetDefault(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.BulkDiscount{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return err
		}

		result := tx.Model(&model.BulkDiscount{}).
			Where("id = ?", id).
			Update("is_default", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrBulkDiscountNotFound
		}
		return nil
	})
}

// RecordStats 累加使用统计（次数、售出代币、让利金额），只增不改
func (r *BulkDiscountRepository) RecordStats(ctx context.Context, tx *gorm.DB, id int64, tokensSold int64, discountGiven decimal.Decimal) error {
	if tx == nil {
		tx = r.db
	}

	var discount model.BulkDiscount
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&discount).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBulkDiscountNotFound
		}
		return err
	}

	discount.Stats.TotalUses++
	discount.Stats.TotalTokensSold += tokensSold
	discount.Stats.TotalDiscountGiven = discount.Stats.TotalDiscountGiven.Add(discountGiven)

	return tx.WithContext(ctx).
		Model(&model.BulkDiscount{}).
		Where("id = ?", id).
		Update("stats", discount.Stats).Error
}
