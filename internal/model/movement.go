package model

import (
	"time"

	"gorm.io/gorm"
)

// ============================================================================
// 代币流水类型常量
// ============================================================================

const (
	MovementTypePurchase    = "PURCHASE"    // 购买入账
	MovementTypeBonus       = "BONUS"       // 运营赠送
	MovementTypeAdjustment  = "ADJUSTMENT"  // 人工调整（可正可负）
	MovementTypeRefund      = "REFUND"      // 退还
	MovementTypeConsumption = "CONSUMPTION" // 查询消耗
)

const (
	MovementStatusPending  = "PENDING"
	MovementStatusApproved = "APPROVED"
	MovementStatusRejected = "REJECTED"
	MovementStatusExpired  = "EXPIRED"
)

// ============================================================================
// 代币流水实体
// ============================================================================

// Movement 代币流水表
// 记录账户的每一笔代币变动，是审计和对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每笔成功的余额变动，必须对应且仅对应一条流水 —— 金额带符号，和变动量一致
// 3. 记录变动前后余额 —— 便于校验余额一致性
// 4. RequestID 唯一索引承担幂等：同一请求重试不会产生第二条流水
type Movement struct {
	ID         int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	MovementNo string  `gorm:"type:varchar(64);uniqueIndex;not null" json:"movement_no"` // 流水号（全局唯一）
	RequestID  *string `gorm:"type:varchar(64);uniqueIndex" json:"request_id,omitempty"` // 幂等ID，购买/赠送场景必填
	AccountID  int64   `gorm:"index;not null" json:"account_id"`
	Type       string  `gorm:"type:varchar(20);not null" json:"type"`
	Status     string  `gorm:"type:varchar(20);not null" json:"status"`

	TokenAmount   int64 `gorm:"not null" json:"token_amount"` // 代币数（正数入账，负数出账）
	BalanceBefore int64 `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64 `gorm:"not null" json:"balance_after"`

	Description       string `gorm:"type:varchar(256)" json:"description"`
	ServiceKey        string `gorm:"type:varchar(32)" json:"service_key,omitempty"`         // 消耗场景：服务标识
	RelatedMovementNo string `gorm:"type:varchar(64)" json:"related_movement_no,omitempty"` // 退款场景：原流水号
	PaymentReference  string `gorm:"type:varchar(128)" json:"payment_reference,omitempty"`  // 购买场景：支付凭据

	// Extra 真正无结构的附加信息才放这里，有明确含义的字段一律用上面的显式列
	Extra map[string]string `gorm:"type:text;serializer:json" json:"extra,omitempty"`

	CreatedBy int64          `gorm:"not null" json:"created_by"` // 操作人（管理员/系统）
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Movement) TableName() string {
	return "token_movement"
}
