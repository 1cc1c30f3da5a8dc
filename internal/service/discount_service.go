package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DiscountService 折扣解析
// 两条独立的折扣路径：阶梯折扣（按购买量）和折扣码（按码值）。
// 是否叠加由调用方决定，本服务不做互斥约束 —— 报价时的叠加顺序见 PurchaseService.Quote
type DiscountService struct {
	db           *gorm.DB
	codeRepo     *repository.DiscountCodeRepository
	bulkRepo     *repository.BulkDiscountRepository
	movementRepo *repository.MovementRepository
}

func NewDiscountService(db *gorm.DB) *DiscountService {
	return &DiscountService{
		db:           db,
		codeRepo:     repository.NewDiscountCodeRepository(db),
		bulkRepo:     repository.NewBulkDiscountRepository(db),
		movementRepo: repository.NewMovementRepository(db),
	}
}

// ============================================================
// 折扣码校验与计算
// ============================================================

// ValidateCoupon 校验折扣码并计算折扣金额
//
// 校验失败一律返回 DiscountInvalidError 并带细分原因，原样透传给购买流程。
// subtotal 是应用阶梯折扣之后的小计
func (s *DiscountService) ValidateCoupon(ctx context.Context, code string, accountID int64, tokens int64, subtotal decimal.Decimal, currency string, now time.Time) (*model.DiscountCode, decimal.Decimal, error) {
	zero := decimal.Zero

	discountCode, err := s.codeRepo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrDiscountCodeNotFound) {
			return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonNotFound)
		}
		return nil, zero, fmt.Errorf("查询折扣码失败: %w", err)
	}

	if !discountCode.IsEnabled {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonDisabled)
	}
	if discountCode.ValidFrom != nil && now.Before(*discountCode.ValidFrom) {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonNotStarted)
	}
	if discountCode.ValidUntil != nil && now.After(*discountCode.ValidUntil) {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonExpired)
	}

	// 空列表 = 不限币种
	if len(discountCode.ApplicableCurrencies) > 0 && !containsString(discountCode.ApplicableCurrencies, currency) {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonCurrencyMismatch)
	}

	if subtotal.LessThan(discountCode.MinimumPurchase) {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonBelowMinimum)
	}

	if containsInt64(discountCode.ExcludeAccounts, accountID) {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonAccountIneligible)
	}
	if len(discountCode.RestrictToAccounts) > 0 && !containsInt64(discountCode.RestrictToAccounts, accountID) {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonAccountIneligible)
	}

	if discountCode.MaxUses > 0 && discountCode.CurrentUses >= discountCode.MaxUses {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonUsageCapExceeded)
	}
	if discountCode.MaxUsesPerAccount > 0 && discountCode.UsesByAccount(accountID) >= discountCode.MaxUsesPerAccount {
		return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonAccountCapReached)
	}

	if discountCode.FirstPurchaseOnly {
		purchases, err := s.movementRepo.CountByAccountIDAndType(ctx, accountID, model.MovementTypePurchase)
		if err != nil {
			return nil, zero, fmt.Errorf("查询历史购买失败: %w", err)
		}
		if purchases > 0 {
			return nil, zero, ledgererr.NewDiscountInvalid(code, ledgererr.DiscountReasonFirstPurchaseOnly)
		}
	}

	discount := computeCouponDiscount(discountCode, subtotal)
	return discountCode, discount, nil
}

// computeCouponDiscount 折扣金额计算
// PERCENTAGE: subtotal * value%，MaximumDiscount > 0 时封顶
// FIXED_AMOUNT: min(value, subtotal)，折扣不会超过小计本身
func computeCouponDiscount(code *model.DiscountCode, subtotal decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal

	switch code.Type {
	case model.DiscountTypePercentage:
		discount = subtotal.Mul(code.Value).Div(decimal.NewFromInt(100))
		if code.MaximumDiscount.IsPositive() && discount.GreaterThan(code.MaximumDiscount) {
			discount = code.MaximumDiscount
		}
	case model.DiscountTypeFixedAmount:
		discount = code.Value
		if discount.GreaterThan(subtotal) {
			discount = subtotal
		}
	default:
		return decimal.Zero
	}

	return discount.Round(2)
}

// RecordCouponUse 核销一次折扣码使用
// 总次数上限由 repository 的条件 UPDATE 保证，必须在购买事务内调用
func (s *DiscountService) RecordCouponUse(ctx context.Context, tx *gorm.DB, code *model.DiscountCode, accountID, tokens int64, discountApplied decimal.Decimal, currency string, now time.Time) error {
	usage := model.DiscountUsage{
		AccountID:       accountID,
		UsedAt:          now,
		TokensAmount:    tokens,
		DiscountApplied: discountApplied,
		Currency:        currency,
	}
	err := s.codeRepo.RecordUse(ctx, tx, code.ID, usage)
	if err != nil {
		if errors.Is(err, repository.ErrUsageCapExceeded) {
			return ledgererr.NewDiscountInvalid(code.Code, ledgererr.DiscountReasonUsageCapExceeded)
		}
		return err
	}
	return nil
}

// ============================================================
// 阶梯折扣解析
// ============================================================

// BulkResolution 一次阶梯折扣命中结果
type BulkResolution struct {
	Discount *model.BulkDiscount
	Tier     *model.BulkTier
}

// ResolveBulkDiscount 按购买量解析阶梯折扣
//
// 候选 = 启用中、在有效期内、币种和国家通配或精确匹配的阶梯折扣；
// 多条命中取 Priority 最高的，再在其中找包含购买量的阶梯区间。
// 一条都没命中时退回全局默认阶梯；仍未命中返回 nil（按无折扣处理）
func (s *DiscountService) ResolveBulkDiscount(ctx context.Context, tokens int64, currency, countryCode string, now time.Time) (*BulkResolution, error) {
	candidates, err := s.bulkRepo.ListEnabled(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("查询阶梯折扣失败: %w", err)
	}

	// ListEnabled 已按优先级降序，命中即返回
	for _, candidate := range candidates {
		if len(candidate.ApplicableCurrencies) > 0 && !containsString(candidate.ApplicableCurrencies, currency) {
			continue
		}
		if len(candidate.ApplicableCountries) > 0 && !containsString(candidate.ApplicableCountries, countryCode) {
			continue
		}
		if tier := candidate.TierFor(tokens); tier != nil {
			return &BulkResolution{Discount: candidate, Tier: tier}, nil
		}
	}

	// 兜底：全局默认阶梯
	fallback, err := s.bulkRepo.GetDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询默认阶梯折扣失败: %w", err)
	}
	if fallback != nil {
		if tier := fallback.TierFor(tokens); tier != nil {
			return &BulkResolution{Discount: fallback, Tier: tier}, nil
		}
	}

	return nil, nil
}

// ============================================================
// 管理接口
// ============================================================

func (s *DiscountService) CreateDiscountCode(ctx context.Context, code *model.DiscountCode) error {
	if code.Code == "" {
		return errors.New("折扣码不能为空")
	}
	if code.Type != model.DiscountTypePercentage && code.Type != model.DiscountTypeFixedAmount {
		return errors.New("折扣类型不合法")
	}
	if !code.Value.IsPositive() {
		return errors.New("折扣值必须大于0")
	}
	return s.codeRepo.Create(ctx, code)
}

// SetDiscountCodeEnabled 上下架折扣码，下架立即对新报价生效
func (s *DiscountService) SetDiscountCodeEnabled(ctx context.Context, codeID int64, enabled bool) error {
	return s.codeRepo.SetEnabled(ctx, codeID, enabled)
}

func (s *DiscountService) CreateBulkDiscount(ctx context.Context, discount *model.BulkDiscount) error {
	if discount.Name == "" {
		return errors.New("折扣名称不能为空")
	}
	return s.bulkRepo.Create(ctx, discount)
}

// SetDefaultBulkDiscount 设置全局默认阶梯（清旧设新在一个事务内）
func (s *DiscountService) SetDefaultBulkDiscount(ctx context.Context, id int64) error {
	return s.bulkRepo.SetDefault(ctx, id)
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

func containsInt64(list []int64, target int64) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}
