package repository

import (
	"context"
	"errors"
	"strings"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrDiscountCodeNotFound = errors.New("折扣码不存在")
	ErrUsageCapExceeded     = errors.New("折扣码使用次数已达上限")
)

type DiscountCodeRepository struct {
	db *gorm.DB
}

func NewDiscountCodeRepository(db *gorm.DB) *DiscountCodeRepository {
	return &DiscountCodeRepository{db: db}
}

func (r *DiscountCodeRepository) Create(ctx context.Context, code *model.DiscountCode) error {
	code.Code = strings.ToUpper(strings.TrimSpace(code.Code))
	return r.db.WithContext(ctx).Create(code).Error
}

// GetByCode 按码值查询，码值统一大写后匹配唯一索引
// 软删除的码等同于不存在
func (r *DiscountCodeRepository) GetByCode(ctx context.Context, code string) (*model.DiscountCode, error) {
	var discountCode model.DiscountCode
	err := r.db.WithContext(ctx).
		Where("code = ?", strings.ToUpper(strings.TrimSpace(code))).
		First(&discountCode).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDiscountCodeNotFound
		}
		return nil, err
	}
	return &discountCode, nil
}

// RecordUse 记录一次使用：计数 +1 并追加使用明细
//
// 【关键点】总次数上限不靠应用层判断，靠条件 UPDATE：
//
//	current_uses = current_uses + 1
//	WHERE ... AND (max_uses = 0 OR current_uses < max_uses)
//
// 两个并发购买同时用最后一个名额时，只有一个 UPDATE 生效，
// 另一个 RowsAffected == 0，返回 ErrUsageCapExceeded。
// 明细追加在同一事务内做：计数 UPDATE 已经锁了该行，读改写是安全的
func (r *DiscountCodeRepository) RecordUse(ctx context.Context, tx *gorm.DB, codeID int64, usage model.DiscountUsage) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.DiscountCode{}).
		Where("id = ? AND is_enabled = ? AND (max_uses = 0 OR current_uses < max_uses)", codeID, true).
		Update("current_uses", gorm.Expr("current_uses + 1"))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUsageCapExceeded
	}

	var code model.DiscountCode
	if err := tx.WithContext(ctx).Where("id = ?", codeID).First(&code).Error; err != nil {
		return err
	}

	history := append(code.UsageHistory, usage)
	return tx.WithContext(ctx).
		Model(&model.DiscountCode{}).
		Where("id = ?", codeID).
		Update("usage_history", history).Error
}

func (r *DiscountCodeRepository) SetEnabled(ctx context.Context, codeID int64, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.DiscountCode{}).
		Where("id = ?", codeID).
		Update("is_enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDiscountCodeNotFound
	}
	return nil
}
