package repository

import (
	"context"
	"errors"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrMovementNotFound = errors.New("流水不存在")
)

type MovementRepository struct {
	db *gorm.DB
}

func NewMovementRepository(db *gorm.DB) *MovementRepository {
	return &MovementRepository{db: db}
}

// Create 追加一条流水
// 流水只能在余额变动的同一个事务内写入，失败时整个事务回滚 ——
// 账本里绝不允许出现"记了流水但余额没动"或反过来的状态
func (r *MovementRepository) Create(ctx context.Context, tx *gorm.DB, movement *model.Movement) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(movement).Error
}

func (r *MovementRepository) GetByMovementNo(ctx context.Context, movementNo string) (*model.Movement, error) {
	var movement model.Movement
	err := r.db.WithContext(ctx).Where("movement_no = ?", movementNo).First(&movement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMovementNotFound
		}
		return nil, err
	}
	return &movement, nil
}

// GetByRequestID 幂等查询：同一个 request_id 重试时返回首次生成的流水
func (r *MovementRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Movement, error) {
	var movement model.Movement
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&movement).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &movement, nil
}

// ListByAccountID 按时间倒序分页查询账户流水
func (r *MovementRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Movement, int64, error) {
	var movements []*model.Movement
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Movement{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&movements).Error

	return movements, total, err
}

// CountByAccountIDAndType 用于"首购专享"判断和对账巡检
func (r *MovementRepository) CountByAccountIDAndType(ctx context.Context, accountID int64, movementType string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Movement{}).
		Where("account_id = ? AND type = ? AND status = ?", accountID, movementType, model.MovementStatusApproved).
		Count(&count).Error
	return count, err
}

// SumByAccountID 账户全部流水的带符号金额合计，对账巡检用
func (r *MovementRepository) SumByAccountID(ctx context.Context, accountID int64) (int64, error) {
	var sum *int64
	err := r.db.WithContext(ctx).
		Model(&model.Movement{}).
		Where("account_id = ? AND status = ?", accountID, model.MovementStatusApproved).
		Select("SUM(token_amount)").
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}
