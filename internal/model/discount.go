package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ============================================================================
// 折扣码（优惠券）
// ============================================================================

const (
	DiscountTypePercentage  = "PERCENTAGE"
	DiscountTypeFixedAmount = "FIXED_AMOUNT"
)

// DiscountCode 折扣码表
// Code 存储时统一转大写并加唯一索引，查询前先 normalize
type DiscountCode struct {
	ID    int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Code  string `gorm:"type:varchar(32);uniqueIndex;not null" json:"code"`
	Type  string `gorm:"type:varchar(20);not null" json:"type"`
	Value decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"value"` // PERCENTAGE 时为百分比，FIXED_AMOUNT 时为金额

	ApplicableCurrencies []string        `gorm:"type:text;serializer:json" json:"applicable_currencies"` // 空列表 = 不限币种
	MinimumPurchase      decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"minimum_purchase"`
	MaximumDiscount      decimal.Decimal `gorm:"type:decimal(10,2);not null;default:0" json:"maximum_discount"` // 0 表示不封顶，仅对 PERCENTAGE 生效

	MaxUses           int `gorm:"not null;default:0" json:"max_uses"`             // 0 表示不限总次数
	MaxUsesPerAccount int `gorm:"not null;default:0" json:"max_uses_per_account"` // 0 表示不限单账户次数
	CurrentUses       int `gorm:"not null;default:0" json:"current_uses"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	RestrictToAccounts []int64 `gorm:"type:text;serializer:json" json:"restrict_to_accounts"` // 非空时仅白名单账户可用
	ExcludeAccounts    []int64 `gorm:"type:text;serializer:json" json:"exclude_accounts"`
	FirstPurchaseOnly  bool    `gorm:"not null;default:false" json:"first_purchase_only"`
	IsEnabled          bool    `gorm:"not null;default:true" json:"is_enabled"`

	// UsageHistory 使用记录，只追加
	// 【注意】CurrentUses <= MaxUses 由 RecordUse 的条件 UPDATE 保证，
	// 这里的明细用于单账户次数校验和运营审计
	UsageHistory []DiscountUsage `gorm:"type:text;serializer:json" json:"usage_history"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (DiscountCode) TableName() string {
	return "discount_code"
}

// DiscountUsage 折扣码单次使用记录
type DiscountUsage struct {
	AccountID       int64           `json:"account_id"`
	UsedAt          time.Time       `json:"used_at"`
	TokensAmount    int64           `json:"tokens_amount"`
	DiscountApplied decimal.Decimal `json:"discount_applied"`
	Currency        string          `json:"currency"`
}

// UsesByAccount 统计某账户的历史使用次数
func (c *DiscountCode) UsesByAccount(accountID int64) int {
	count := 0
	for _, u := range c.UsageHistory {
		if u.AccountID == accountID {
			count++
		}
	}
	return count
}

// ============================================================================
// 批量折扣（阶梯折扣）
// ============================================================================

// BulkTier 单个折扣阶梯，区间为 [MinTokens, MaxTokens)
// MaxTokens 为空表示上不封顶
type BulkTier struct {
	MinTokens          int64           `json:"min_tokens"`
	MaxTokens          *int64          `json:"max_tokens,omitempty"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	IsEnabled          bool            `json:"is_enabled"`
}

// Contains 判断购买量是否落在本阶梯内
func (t *BulkTier) Contains(tokens int64) bool {
	if tokens < t.MinTokens {
		return false
	}
	return t.MaxTokens == nil || tokens < *t.MaxTokens
}

// BulkDiscountStats 阶梯折扣的累计使用统计，每次使用只增不改
type BulkDiscountStats struct {
	TotalUses          int64           `json:"total_uses"`
	TotalTokensSold    int64           `json:"total_tokens_sold"`
	TotalDiscountGiven decimal.Decimal `json:"total_discount_given"`
}

// BulkDiscount 批量折扣表
// 同一时刻全局至多一条 IsDefault=true（由 repository.SetDefault 的事务保证）
type BulkDiscount struct {
	ID   int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"type:varchar(64);not null" json:"name"`

	// Tiers 各阶梯区间不允许重叠，创建时校验
	Tiers []BulkTier `gorm:"type:text;serializer:json" json:"tiers"`

	ApplicableCurrencies []string `gorm:"type:text;serializer:json" json:"applicable_currencies"` // 空 = 不限
	ApplicableCountries  []string `gorm:"type:text;serializer:json" json:"applicable_countries"`  // 空 = 不限

	Priority  int  `gorm:"not null;default:0" json:"priority"` // 多条命中时取最高
	IsDefault bool `gorm:"not null;default:false" json:"is_default"`
	IsEnabled bool `gorm:"not null;default:true" json:"is_enabled"`

	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`

	Stats BulkDiscountStats `gorm:"type:text;serializer:json" json:"stats"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (BulkDiscount) TableName() string {
	return "bulk_discount"
}

// TierFor 找到购买量命中的阶梯，未命中返回 nil
func (d *BulkDiscount) TierFor(tokens int64) *BulkTier {
	for i := range d.Tiers {
		if d.Tiers[i].IsEnabled && d.Tiers[i].Contains(tokens) {
			return &d.Tiers[i]
		}
	}
	return nil
}

// ValidateTiers 校验阶梯区间互不重叠
// 按 MinTokens 排序后逐对检查：前一个阶梯必须有上界，且上界 <= 后一个的下界
func ValidateTiers(tiers []BulkTier) bool {
	if len(tiers) == 0 {
		return false
	}
	sorted := make([]BulkTier, len(tiers))
	copy(sorted, tiers)
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j].MinTokens < sorted[i].MinTokens {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	for i := 0; i < len(sorted)-1; i++ {
		if sorted[i].MaxTokens == nil {
			return false
		}
		if *sorted[i].MaxTokens > sorted[i+1].MinTokens {
			return false
		}
	}
	return true
}
