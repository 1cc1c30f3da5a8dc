package repository

import (
	"context"
	"errors"
	"time"

	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrVersionConflict 预留给需要乐观锁语义的调用方，当前写路径都是原子增量，用不到
	ErrVersionConflict = errors.New("版本冲突，请重试")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) GetByAccountID(ctx context.Context, accountID int64) (*model.TokenBalance, error) {
	var balance model.TokenBalance
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgererr.ErrAccountNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreate 查询账户余额，不存在则创建零值记录
//
// 【关键点】并发首次访问不能创建出两条记录：
// account_id 上有唯一索引，插入用 ON CONFLICT DO NOTHING，
// 冲突方静默失败后重新查询，两边拿到的是同一条记录
func (r *BalanceRepository) GetOrCreate(ctx context.Context, accountID int64) (*model.TokenBalance, error) {
	balance, err := r.GetByAccountID(ctx, accountID)
	if err == nil {
		return balance, nil
	}

	if !errors.Is(err, ledgererr.ErrAccountNotFound) {
		return nil, err
	}

	newBalance := &model.TokenBalance{
		AccountID:            accountID,
		ConsumptionByService: model.ServiceConsumptionMap{},
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error

	if err != nil {
		return nil, err
	}

	return r.GetByAccountID(ctx, accountID)
}

// GetForUpdate 事务内加行锁读取，用于需要"锁定后再算"的复合写路径
func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, accountID int64) (*model.TokenBalance, error) {
	var balance model.TokenBalance
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgererr.ErrAccountNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// ApplyDelta 以单条原子 UPDATE 应用一次余额变动
//
// 【关键点】五个计数器和派生的可用余额在同一条 SQL 里增量更新，
// WHERE 条件内嵌不变式检查：total_available + 净变动 >= 0。
// 并发调用方各自对存储值做增量，不存在"读到旧余额再覆盖"的窗口。
// RowsAffected == 0 时再回查区分是账户不存在还是余额不足
func (r *BalanceRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, accountID int64, delta model.BalanceDelta) error {
	if tx == nil {
		tx = r.db
	}

	available := delta.Available()

	result := tx.WithContext(ctx).
		Model(&model.TokenBalance{}).
		Where("account_id = ? AND total_available + ? >= 0", accountID, available).
		Updates(map[string]interface{}{
			"total_available": gorm.Expr("total_available + ?", available),
			"total_purchased": gorm.Expr("total_purchased + ?", delta.Purchased),
			"total_bonus":     gorm.Expr("total_bonus + ?", delta.Bonus),
			"total_consumed":  gorm.Expr("total_consumed + ?", delta.Consumed),
			"total_refunded":  gorm.Expr("total_refunded + ?", delta.Refunded),
			"version":         gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		_, err := r.GetByAccountID(ctx, accountID)
		if err != nil {
			return err
		}
		return ledgererr.ErrInsufficientBalance
	}

	return nil
}

// RecordServiceConsumption 累加按服务维度的消耗统计
//
// 只做分析展示，不参与记账恒等式。必须在调用方的事务内、
// 且在 ApplyDelta 之后调用：ApplyDelta 的 UPDATE 已经锁住了该行，
// 这里的读改写在同一事务内是安全的
func (r *BalanceRepository) RecordServiceConsumption(ctx context.Context, tx *gorm.DB, accountID int64, serviceKey string, tokensUsed int64, now time.Time) error {
	if tx == nil {
		tx = r.db
	}

	var balance model.TokenBalance
	if err := tx.WithContext(ctx).Where("account_id = ?", accountID).First(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgererr.ErrAccountNotFound
		}
		return err
	}

	usage := balance.ConsumptionByService
	if usage == nil {
		usage = model.ServiceConsumptionMap{}
	}

	entry, ok := usage[serviceKey]
	if !ok {
		entry = &model.ServiceConsumption{}
		usage[serviceKey] = entry
	}
	entry.TokensUsed += tokensUsed
	entry.SearchCount++
	entry.LastUsedAt = now

	return tx.WithContext(ctx).
		Model(&model.TokenBalance{}).
		Where("account_id = ?", accountID).
		Update("consumption_by_service", usage).Error
}
