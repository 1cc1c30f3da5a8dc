package model

import (
	"time"

	"gorm.io/gorm"
)

// TokenBalance 账户代币余额表
// 每个账户一行，是整个代币账本的核心数据
//
// 【会计恒等式】每次变动之后必须满足：
//
//	TotalAvailable == TotalPurchased + TotalBonus + TotalRefunded - TotalConsumed
//	TotalAvailable >= 0
//
// 所有余额变动都通过带条件的原子 UPDATE 完成（见 repository.BalanceRepository.ApplyDelta），
// 绝不在应用层"先读后写"，否则并发下会超扣
type TokenBalance struct {
	ID             int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID      int64 `gorm:"uniqueIndex;not null" json:"account_id"`          // 账户ID，业务方传入
	TotalAvailable int64 `gorm:"not null;default:0" json:"total_available"`       // 可用代币数
	TotalPurchased int64 `gorm:"not null;default:0" json:"total_purchased"`       // 累计购买
	TotalBonus     int64 `gorm:"not null;default:0" json:"total_bonus"`           // 累计赠送
	TotalConsumed  int64 `gorm:"not null;default:0" json:"total_consumed"`        // 累计消耗
	TotalRefunded  int64 `gorm:"not null;default:0" json:"total_refunded"`        // 累计退还
	Version        int   `gorm:"not null;default:0" json:"version"`               // 版本号，每次变动 +1

	// ConsumptionByService 按服务维度的消耗统计（仅用于分析展示，不参与记账）
	ConsumptionByService ServiceConsumptionMap `gorm:"type:text;serializer:json" json:"consumption_by_service"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"` // 只做软删除标记，余额记录不物理删除
}

func (TokenBalance) TableName() string {
	return "token_balance"
}

// ServiceConsumption 单个服务的消耗统计
type ServiceConsumption struct {
	TokensUsed  int64     `json:"tokens_used"`
	SearchCount int64     `json:"search_count"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// ServiceConsumptionMap 服务标识 -> 消耗统计，只增不减
type ServiceConsumptionMap map[string]*ServiceConsumption

// CheckIdentity 校验会计恒等式是否成立
// 用于测试和对账巡检，正常流程下恒等式由原子 UPDATE 保证
func (b *TokenBalance) CheckIdentity() bool {
	if b.TotalAvailable < 0 {
		return false
	}
	return b.TotalAvailable == b.TotalPurchased+b.TotalBonus+b.TotalRefunded-b.TotalConsumed
}

// BalanceDelta 一次余额变动的各计数器增量
// TotalAvailable 的增量由四个计数器推导，不单独传入
type BalanceDelta struct {
	Purchased int64
	Bonus     int64
	Consumed  int64
	Refunded  int64
}

// Available 本次变动对可用余额的净影响
func (d BalanceDelta) Available() int64 {
	return d.Purchased + d.Bonus + d.Refunded - d.Consumed
}
