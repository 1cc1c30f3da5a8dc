package model

import (
	"time"
)

// ============================================================================
// 历史额度批次（legacy）
// ============================================================================
//
// 早期系统按"批次"发放可独立过期的查询额度，和统一余额并行存在。
// 新的消耗都走统一余额，批次机制仅用于存量额度的消耗和过期处理。

const (
	BatchStatusActive   = "ACTIVE"
	BatchStatusConsumed = "CONSUMED"
	BatchStatusExpired  = "EXPIRED"
)

const (
	BatchSourcePurchase     = "PURCHASE"
	BatchSourceBonus        = "BONUS"
	BatchSourceMigration    = "MIGRATION"    // 旧系统迁移
	BatchSourceCompensation = "COMPENSATION" // 客诉补偿
)

// ValidBatchTransitions 批次状态机
// ACTIVE 是唯一可变状态，EXPIRED / CONSUMED 都是终态，不允许回转
var ValidBatchTransitions = map[string][]string{
	BatchStatusActive: {BatchStatusConsumed, BatchStatusExpired},
}

func BatchCanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidBatchTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// CreditBatch 额度批次表
type CreditBatch struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchNo    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"batch_no"`
	AccountID  int64      `gorm:"index;not null" json:"account_id"`
	SearchType string     `gorm:"type:varchar(32);not null" json:"search_type"` // 适用的查询服务
	RegionID   string     `gorm:"type:varchar(32);not null" json:"region_id"`   // 数据源/区域范围
	Amount     int64      `gorm:"not null" json:"amount"`                       // 发放总量
	Remaining  int64      `gorm:"not null" json:"remaining"`                    // 剩余可用
	ExpiresAt  *time.Time `gorm:"index" json:"expires_at,omitempty"`            // 为空表示永不过期
	Source     string     `gorm:"type:varchar(20);not null" json:"source"`
	Status     string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"` // 终态记录的归档标记，便于后续清理
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditBatch) TableName() string {
	return "credit_batch"
}

// NextState 计算批次在 now 时刻应处的状态，返回是否需要落库
//
// 【设计思考】为什么抽成纯函数？
// 过期/耗尽的状态翻转如果藏在存储层的 save 钩子里，就没法脱离数据库做单元测试。
// 这里把规则收敛成 (batch, now) -> 修改，repository 在每次读写边界调用它，
// 后台巡检任务（job.BatchExpiryJob）扫到的记录也走同一函数
func (b *CreditBatch) NextState(now time.Time) bool {
	if b.Status != BatchStatusActive {
		return false
	}

	// 先判过期：过期的批次即使还有剩余也作废
	if b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
		b.Status = BatchStatusExpired
		b.Remaining = 0
		return true
	}

	if b.Remaining <= 0 {
		b.Status = BatchStatusConsumed
		t := now
		b.ConsumedAt = &t
		return true
	}

	return false
}

// Usable 批次在 now 时刻是否可以继续扣减
func (b *CreditBatch) Usable(now time.Time) bool {
	if b.Status != BatchStatusActive || b.Remaining <= 0 {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
