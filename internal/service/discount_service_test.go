package service_test

import (
	"context"
	"testing"
	"time"

	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newDiscountSvc(t *testing.T) (*service.DiscountService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return service.NewDiscountService(db), db
}

func mustCreateCode(t *testing.T, db *gorm.DB, code *model.DiscountCode) *model.DiscountCode {
	t.Helper()
	require.NoError(t, repository.NewDiscountCodeRepository(db).Create(context.Background(), code))
	return code
}

func mustCreateBulk(t *testing.T, db *gorm.DB, discount *model.BulkDiscount) *model.BulkDiscount {
	t.Helper()
	require.NoError(t, repository.NewBulkDiscountRepository(db).Create(context.Background(), discount))
	return discount
}

// assertInvalidReason 统一断言校验失败原因
func assertInvalidReason(t *testing.T, err error, reason ledgererr.DiscountReason) {
	t.Helper()
	invalid, ok := ledgererr.AsDiscountInvalid(err)
	require.True(t, ok, "期望折扣码无效错误，实际 %v", err)
	assert.Equal(t, reason, invalid.Reason)
}

func TestDiscount_ValidateCoupon_ReasonChain(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()
	subtotal := decimal.NewFromInt(100)

	_, _, err := svc.ValidateCoupon(ctx, "NOPE", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonNotFound)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "OFF", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10), IsEnabled: false,
	})
	_, _, err = svc.ValidateCoupon(ctx, "OFF", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonDisabled)

	future := now.Add(time.Hour)
	mustCreateCode(t, db, &model.DiscountCode{
		Code: "SOON", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10), ValidFrom: &future, IsEnabled: true,
	})
	_, _, err = svc.ValidateCoupon(ctx, "SOON", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonNotStarted)

	past := now.Add(-time.Hour)
	mustCreateCode(t, db, &model.DiscountCode{
		Code: "GONE", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10), ValidUntil: &past, IsEnabled: true,
	})
	_, _, err = svc.ValidateCoupon(ctx, "GONE", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonExpired)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "GBPONLY", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		ApplicableCurrencies: []string{"GBP"}, IsEnabled: true,
	})
	_, _, err = svc.ValidateCoupon(ctx, "GBPONLY", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonCurrencyMismatch)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "BIG", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		MinimumPurchase: decimal.NewFromInt(500), IsEnabled: true,
	})
	_, _, err = svc.ValidateCoupon(ctx, "BIG", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonBelowMinimum)
}

func TestDiscount_ValidateCoupon_AccountRestrictions(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()
	subtotal := decimal.NewFromInt(100)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "NOTYOU", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		ExcludeAccounts: []int64{7}, IsEnabled: true,
	})
	_, _, err := svc.ValidateCoupon(ctx, "NOTYOU", 7, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonAccountIneligible)
	_, _, err = svc.ValidateCoupon(ctx, "NOTYOU", 8, 100, subtotal, "USD", now)
	assert.NoError(t, err)

	// 白名单非空时只有名单内账户可用
	mustCreateCode(t, db, &model.DiscountCode{
		Code: "VIPONLY", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		RestrictToAccounts: []int64{7}, IsEnabled: true,
	})
	_, _, err = svc.ValidateCoupon(ctx, "VIPONLY", 7, 100, subtotal, "USD", now)
	assert.NoError(t, err)
	_, _, err = svc.ValidateCoupon(ctx, "VIPONLY", 8, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonAccountIneligible)
}

func TestDiscount_ValidateCoupon_UsageCaps(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()
	subtotal := decimal.NewFromInt(100)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "CAPPED", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		MaxUses: 2, CurrentUses: 2, IsEnabled: true,
	})
	_, _, err := svc.ValidateCoupon(ctx, "CAPPED", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonUsageCapExceeded)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "PERACC", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		MaxUsesPerAccount: 1, IsEnabled: true,
		UsageHistory: []model.DiscountUsage{
			{AccountID: 1, UsedAt: now.Add(-time.Hour), TokensAmount: 100, DiscountApplied: decimal.NewFromInt(1), Currency: "USD"},
		},
	})
	_, _, err = svc.ValidateCoupon(ctx, "PERACC", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonAccountCapReached)
	// 别的账户不受影响
	_, _, err = svc.ValidateCoupon(ctx, "PERACC", 2, 100, subtotal, "USD", now)
	assert.NoError(t, err)
}

func TestDiscount_ValidateCoupon_FirstPurchaseOnly(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()
	subtotal := decimal.NewFromInt(100)

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "NEWBIE", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10),
		FirstPurchaseOnly: true, IsEnabled: true,
	})

	_, _, err := svc.ValidateCoupon(ctx, "NEWBIE", 1, 100, subtotal, "USD", now)
	assert.NoError(t, err)

	// 有过一笔购买流水后，首购专享码失效；其他类型的流水不算
	require.NoError(t, db.Create(&model.Movement{
		MovementNo: "MOV-P1", AccountID: 1, Type: model.MovementTypePurchase,
		Status: model.MovementStatusApproved, TokenAmount: 100, BalanceAfter: 100,
	}).Error)
	_, _, err = svc.ValidateCoupon(ctx, "NEWBIE", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonFirstPurchaseOnly)

	require.NoError(t, db.Create(&model.Movement{
		MovementNo: "MOV-B1", AccountID: 2, Type: model.MovementTypeBonus,
		Status: model.MovementStatusApproved, TokenAmount: 50, BalanceAfter: 50,
	}).Error)
	_, _, err = svc.ValidateCoupon(ctx, "NEWBIE", 2, 100, subtotal, "USD", now)
	assert.NoError(t, err)
}

func TestDiscount_ValidateCoupon_DiscountAmounts(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "PCT", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(15), IsEnabled: true,
	})
	_, discount, err := svc.ValidateCoupon(ctx, "PCT", 1, 100, decimal.NewFromInt(40), "USD", now)
	require.NoError(t, err)
	assert.True(t, discount.Equal(decimal.NewFromInt(6)))

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "PCTCAP", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(15),
		MaximumDiscount: decimal.NewFromInt(4), IsEnabled: true,
	})
	_, discount, err = svc.ValidateCoupon(ctx, "PCTCAP", 1, 100, decimal.NewFromInt(40), "USD", now)
	require.NoError(t, err)
	assert.True(t, discount.Equal(decimal.NewFromInt(4)))

	mustCreateCode(t, db, &model.DiscountCode{
		Code: "FLAT", Type: model.DiscountTypeFixedAmount, Value: decimal.NewFromInt(50), IsEnabled: true,
	})
	_, discount, err = svc.ValidateCoupon(ctx, "FLAT", 1, 100, decimal.NewFromInt(40), "USD", now)
	require.NoError(t, err)
	assert.True(t, discount.Equal(decimal.NewFromInt(40)), "固定金额折扣不超过小计")
}

func TestDiscount_ResolveBulkDiscount(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()
	max := int64(500)

	// 低优先级通配 + 高优先级 GBP 专属
	mustCreateBulk(t, db, &model.BulkDiscount{
		Name: "通用阶梯", Priority: 1, IsEnabled: true,
		Tiers: []model.BulkTier{{MinTokens: 100, MaxTokens: &max, DiscountPercentage: decimal.NewFromInt(5), IsEnabled: true}},
	})
	mustCreateBulk(t, db, &model.BulkDiscount{
		Name: "英区专属", Priority: 10, IsEnabled: true,
		ApplicableCurrencies: []string{"GBP"},
		Tiers:                []model.BulkTier{{MinTokens: 100, MaxTokens: &max, DiscountPercentage: decimal.NewFromInt(8), IsEnabled: true}},
	})

	// GBP 命中高优先级专属
	res, err := svc.ResolveBulkDiscount(ctx, 200, "GBP", "GB", now)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "英区专属", res.Discount.Name)
	assert.True(t, res.Tier.DiscountPercentage.Equal(decimal.NewFromInt(8)))

	// USD 被专属的币种过滤挡掉，落到通配
	res, err = svc.ResolveBulkDiscount(ctx, 200, "USD", "US", now)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "通用阶梯", res.Discount.Name)

	// 购买量不在任何阶梯内
	res, err = svc.ResolveBulkDiscount(ctx, 50, "USD", "US", now)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestDiscount_ResolveBulkDiscount_DefaultFallback(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()

	// 唯一一条配置是美区专属，加拿大的购买解析不到
	max := int64(500)
	us := mustCreateBulk(t, db, &model.BulkDiscount{
		Name: "美区专属", Priority: 5, IsEnabled: true,
		ApplicableCountries: []string{"US"},
		Tiers:               []model.BulkTier{{MinTokens: 100, MaxTokens: &max, DiscountPercentage: decimal.NewFromInt(5), IsEnabled: true}},
	})

	res, err := svc.ResolveBulkDiscount(ctx, 200, "USD", "CA", now)
	require.NoError(t, err)
	assert.Nil(t, res)

	// 设为全局默认后，不匹配的购买兜底命中它
	require.NoError(t, svc.SetDefaultBulkDiscount(ctx, us.ID))
	res, err = svc.ResolveBulkDiscount(ctx, 200, "USD", "CA", now)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "美区专属", res.Discount.Name)
}

func TestDiscount_CreateDiscountCode_Validation(t *testing.T) {
	svc, _ := newDiscountSvc(t)
	ctx := context.Background()

	err := svc.CreateDiscountCode(ctx, &model.DiscountCode{Code: "", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10)})
	assert.Error(t, err)

	err = svc.CreateDiscountCode(ctx, &model.DiscountCode{Code: "X", Type: "BOGOF", Value: decimal.NewFromInt(10)})
	assert.Error(t, err)

	err = svc.CreateDiscountCode(ctx, &model.DiscountCode{Code: "X", Type: model.DiscountTypePercentage, Value: decimal.Zero})
	assert.Error(t, err)

	err = svc.CreateDiscountCode(ctx, &model.DiscountCode{Code: "ok10", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10), IsEnabled: true})
	assert.NoError(t, err)
}

func TestDiscount_SetDiscountCodeEnabled(t *testing.T) {
	svc, db := newDiscountSvc(t)
	ctx := context.Background()
	now := time.Now()
	subtotal := decimal.NewFromInt(100)

	code := mustCreateCode(t, db, &model.DiscountCode{
		Code: "TOGGLE", Type: model.DiscountTypePercentage, Value: decimal.NewFromInt(10), IsEnabled: true,
	})

	require.NoError(t, svc.SetDiscountCodeEnabled(ctx, code.ID, false))
	_, _, err := svc.ValidateCoupon(ctx, "TOGGLE", 1, 100, subtotal, "USD", now)
	assertInvalidReason(t, err, ledgererr.DiscountReasonDisabled)

	// 重新上架后恢复可用
	require.NoError(t, svc.SetDiscountCodeEnabled(ctx, code.ID, true))
	_, _, err = svc.ValidateCoupon(ctx, "TOGGLE", 1, 100, subtotal, "USD", now)
	assert.NoError(t, err)

	// 不存在的码
	err = svc.SetDiscountCodeEnabled(ctx, 99999, false)
	assert.Error(t, err)
}
