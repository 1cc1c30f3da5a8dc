package repository

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrBatchNotFound      = errors.New("额度批次不存在")
	ErrBatchNotDrawable   = errors.New("额度批次不可扣减")
	ErrBatchStatusInvalid = errors.New("额度批次状态不合法")
)

type CreditBatchRepository struct {
	db *gorm.DB
}

func NewCreditBatchRepository(db *gorm.DB) *CreditBatchRepository {
	return &CreditBatchRepository{db: db}
}

func (r *CreditBatchRepository) Create(ctx context.Context, batch *model.CreditBatch) error {
	return r.db.WithContext(ctx).Create(batch).Error
}

func (r *CreditBatchRepository) GetByBatchNo(ctx context.Context, batchNo string) (*model.CreditBatch, error) {
	var batch model.CreditBatch
	err := r.db.WithContext(ctx).Where("batch_no = ?", batchNo).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// ListEligible 查询可扣减批次：ACTIVE、有剩余、未过期
// 按过期时间升序（最快过期的先消耗），永不过期的排最后
func (r *CreditBatchRepository) ListEligible(ctx context.Context, accountID int64, searchType, regionID string, now time.Time) ([]*model.CreditBatch, error) {
	var batches []*model.CreditBatch
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND search_type = ? AND region_id = ?", accountID, searchType, regionID).
		Where("status = ? AND remaining > 0", model.BatchStatusActive).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("expires_at IS NULL, expires_at ASC, id ASC").
		Find(&batches).Error
	return batches, err
}

// Draw 从单个批次扣减
// WHERE 条件带 remaining >= ? 和 ACTIVE 状态守卫，并发扣减不会把剩余量扣成负数
func (r *CreditBatchRepository) Draw(ctx context.Context, tx *gorm.DB, batchID int64, amount int64) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditBatch{}).
		Where("id = ? AND status = ? AND remaining >= ?", batchID, model.BatchStatusActive, amount).
		Update("remaining", gorm.Expr("remaining - ?", amount))

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBatchNotDrawable
	}
	return nil
}

// TransitionStatus 状态翻转，带状态机校验和条件守卫，终态不可再变
func (r *CreditBatchRepository) TransitionStatus(ctx context.Context, tx *gorm.DB, batchID int64, fromStatus, toStatus string, now time.Time) error {
	if !model.BatchCanTransitionTo(fromStatus, toStatus) {
		return ErrBatchStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}

	switch toStatus {
	case model.BatchStatusConsumed:
		updates["consumed_at"] = now
	case model.BatchStatusExpired:
		// 过期批次剩余额度强制清零
		updates["remaining"] = 0
	}

	result := tx.WithContext(ctx).
		Model(&model.CreditBatch{}).
		Where("id = ? AND status = ?", batchID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBatchStatusInvalid
	}
	return nil
}

// MarkConsumedIfDrained 批次剩余量归零时翻转为 CONSUMED
// 条件带 remaining = 0 守卫：并发场景下只有真正扣空的那次调用会生效
func (r *CreditBatchRepository) MarkConsumedIfDrained(ctx context.Context, tx *gorm.DB, batchID int64, now time.Time) error {
	if tx == nil {
		tx = r.db
	}

	err := tx.WithContext(ctx).
		Model(&model.CreditBatch{}).
		Where("id = ? AND status = ? AND remaining = 0", batchID, model.BatchStatusActive).
		Updates(map[string]interface{}{
			"status":      model.BatchStatusConsumed,
			"consumed_at": now,
		}).Error
	return err
}

// SaveState 把 NextState 算出的状态修正落库
// 读路径发现批次"该过期/该耗尽"时调用，落库同样走条件守卫
func (r *CreditBatchRepository) SaveState(ctx context.Context, batch *model.CreditBatch, now time.Time) error {
	changed := batch.NextState(now)
	if !changed {
		return nil
	}
	return r.TransitionStatus(ctx, nil, batch.ID, model.BatchStatusActive, batch.Status, now)
}

// GetDueBatches 查询已到期但还是 ACTIVE 的批次，巡检任务用
func (r *CreditBatchRepository) GetDueBatches(ctx context.Context, now time.Time, limit int) ([]*model.CreditBatch, error) {
	var batches []*model.CreditBatch
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", model.BatchStatusActive, now).
		Limit(limit).
		Find(&batches).Error
	return batches, err
}

// ListByAccountID 按账户分页查询批次，创建时间倒序
func (r *CreditBatchRepository) ListByAccountID(ctx context.Context, accountID int64, page, pageSize int) ([]*model.CreditBatch, int64, error) {
	var batches []*model.CreditBatch
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CreditBatch{}).Where("account_id = ?", accountID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&batches).Error

	return batches, total, err
}

// ArchiveTerminal 给早于 before 进入终态且未归档的批次打归档标记
func (r *CreditBatchRepository) ArchiveTerminal(ctx context.Context, before time.Time, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.CreditBatch{}).
		Where("status IN ? AND archived_at IS NULL AND updated_at < ?",
			[]string{model.BatchStatusConsumed, model.BatchStatusExpired}, before).
		Update("archived_at", now)
	return result.RowsAffected, result.Error
}
