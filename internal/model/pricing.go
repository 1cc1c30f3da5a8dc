package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 区域定价
// ============================================================================

// CountryCodeGlobal 兜底定价记录的区域标识
// 定价解析顺序：精确国家 -> GLOBAL -> USD 币种记录
const CountryCodeGlobal = "GLOBAL"

// TokenPackage 命名套餐（固定代币数 + 套餐专属折扣）
type TokenPackage struct {
	Name               string          `json:"name"`
	Tokens             int64           `json:"tokens"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
}

// PriceSnapshot 历史价格快照
// 改价时必须先把旧价格连同生效区间追加到 PriceHistory，再写新价格 —— 不允许破坏性改价
type PriceSnapshot struct {
	Price          decimal.Decimal `json:"price"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil time.Time       `json:"effective_until"`
	ChangedBy      int64           `json:"changed_by"`
	Reason         string          `json:"reason"`
}

// TokenPricing 区域定价表，国家 + 币种唯一
type TokenPricing struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CountryCode string          `gorm:"type:varchar(8);not null;uniqueIndex:uk_country_currency,priority:1" json:"country_code"`
	Currency    string          `gorm:"type:varchar(8);not null;uniqueIndex:uk_country_currency,priority:2" json:"currency"`
	Price       decimal.Decimal `gorm:"type:decimal(10,4);not null" json:"price"` // 单个代币价格
	MinPurchase int64           `gorm:"not null;default:1" json:"min_purchase"`
	MaxPurchase *int64          `json:"max_purchase,omitempty"` // 为空表示不限

	Packages     []TokenPackage  `gorm:"type:text;serializer:json" json:"packages"`
	PriceHistory []PriceSnapshot `gorm:"type:text;serializer:json" json:"price_history"` // 只追加

	PriceEffectiveFrom time.Time `gorm:"not null" json:"price_effective_from"` // 当前价格的生效时间
	IsEnabled          bool      `gorm:"not null;default:true" json:"is_enabled"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (TokenPricing) TableName() string {
	return "token_pricing"
}
