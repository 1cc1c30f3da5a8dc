package handler

import (
	"strconv"
	"time"

	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"
	"tokenledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ============================================================
// 定价管理接口
// ============================================================

// GetPricing 按国家解析定价（精确匹配 → GLOBAL → USD 兜底）
// GET /api/v1/pricing?country_code=AU
func (h *Handler) GetPricing(c *gin.Context) {
	countryCode := c.Query("country_code")

	pricing, err := h.pricingService.Resolve(c.Request.Context(), countryCode)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, pricing)
}

// CreatePricingRequest 创建定价请求
type CreatePricingRequest struct {
	CountryCode string               `json:"country_code" binding:"required"`
	Currency    string               `json:"currency" binding:"required"`
	Price       decimal.Decimal      `json:"price" binding:"required"`
	MinPurchase int64                `json:"min_purchase"`
	MaxPurchase *int64               `json:"max_purchase"`
	Packages    []model.TokenPackage `json:"packages"`
}

// CreatePricing 创建国家定价
// POST /api/v1/pricing
func (h *Handler) CreatePricing(c *gin.Context) {
	var req CreatePricingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	pricing := &model.TokenPricing{
		CountryCode: req.CountryCode,
		Currency:    req.Currency,
		Price:       req.Price,
		MinPurchase: req.MinPurchase,
		MaxPurchase: req.MaxPurchase,
		Packages:    req.Packages,
		IsEnabled:   true,
	}
	if err := h.pricingService.Create(c.Request.Context(), pricing); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, pricing)
}

// UpdatePriceRequest 调价请求
type UpdatePriceRequest struct {
	PricingID int64           `json:"pricing_id" binding:"required"`
	NewPrice  decimal.Decimal `json:"new_price" binding:"required"`
	Reason    string          `json:"reason" binding:"required"`
	Actor     int64           `json:"actor" binding:"required"`
}

// UpdatePrice 调整单价，同事务把旧价快照进变更历史
// POST /api/v1/pricing/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	var req UpdatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	pricing, err := h.pricingService.UpdatePrice(c.Request.Context(), req.PricingID, req.NewPrice, req.Actor, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, pricing)
}

// ============================================================
// 折扣管理接口
// ============================================================

// CreateDiscountCodeRequest 创建折扣码请求
type CreateDiscountCodeRequest struct {
	Code                 string          `json:"code" binding:"required"`
	Type                 string          `json:"type" binding:"required"`
	Value                decimal.Decimal `json:"value" binding:"required"`
	ApplicableCurrencies []string        `json:"applicable_currencies"`
	MinimumPurchase      decimal.Decimal `json:"minimum_purchase"`
	MaximumDiscount      decimal.Decimal `json:"maximum_discount"`
	MaxUses              int             `json:"max_uses"`
	MaxUsesPerAccount    int             `json:"max_uses_per_account"`
	ValidFrom            *time.Time      `json:"valid_from"`
	ValidUntil           *time.Time      `json:"valid_until"`
	RestrictToAccounts   []int64         `json:"restrict_to_accounts"`
	ExcludeAccounts      []int64         `json:"exclude_accounts"`
	FirstPurchaseOnly    bool            `json:"first_purchase_only"`
}

// CreateDiscountCode 创建折扣码（码值统一大写存储）
// POST /api/v1/discount/code
func (h *Handler) CreateDiscountCode(c *gin.Context) {
	var req CreateDiscountCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	code := &model.DiscountCode{
		Code:                 req.Code,
		Type:                 req.Type,
		Value:                req.Value,
		ApplicableCurrencies: req.ApplicableCurrencies,
		MinimumPurchase:      req.MinimumPurchase,
		MaximumDiscount:      req.MaximumDiscount,
		MaxUses:              req.MaxUses,
		MaxUsesPerAccount:    req.MaxUsesPerAccount,
		ValidFrom:            req.ValidFrom,
		ValidUntil:           req.ValidUntil,
		RestrictToAccounts:   req.RestrictToAccounts,
		ExcludeAccounts:      req.ExcludeAccounts,
		FirstPurchaseOnly:    req.FirstPurchaseOnly,
		IsEnabled:            true,
	}
	if err := h.discountService.CreateDiscountCode(c.Request.Context(), code); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, code)
}

// SetCodeEnabledRequest 折扣码上下架请求
type SetCodeEnabledRequest struct {
	ID      int64 `json:"id" binding:"required"`
	Enabled *bool `json:"enabled" binding:"required"` // 指针区分 false 和未传
}

// SetDiscountCodeEnabled 上下架折扣码
// POST /api/v1/discount/code/enable
func (h *Handler) SetDiscountCodeEnabled(c *gin.Context) {
	var req SetCodeEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.discountService.SetDiscountCodeEnabled(c.Request.Context(), req.ID, *req.Enabled); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{"id": req.ID, "enabled": *req.Enabled})
}

// ValidateCodeRequest 折扣码校验请求
type ValidateCodeRequest struct {
	Code        string `json:"code" binding:"required"`
	AccountID   int64  `json:"account_id" binding:"required"`
	Tokens      int64  `json:"tokens" binding:"required,gt=0"`
	CountryCode string `json:"country_code"`
}

// ValidateCode 校验折扣码（只读，不核销名额）
// POST /api/v1/discount/code/validate
//
// 校验失败不走错误响应：码无效对收银台是正常业务结果，
// 返回 valid=false 和具体原因码，前端据此提示用户
func (h *Handler) ValidateCode(c *gin.Context) {
	var req ValidateCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	// 按账户所在国家解析定价，得到校验所需的币种和小计金额
	pricing, err := h.pricingService.Resolve(c.Request.Context(), req.CountryCode)
	if err != nil {
		respondError(c, err)
		return
	}
	subtotal := pricing.Price.Mul(decimal.NewFromInt(req.Tokens)).Round(2)

	code, discount, err := h.discountService.ValidateCoupon(
		c.Request.Context(), req.Code, req.AccountID, req.Tokens, subtotal, pricing.Currency, time.Now())
	if err != nil {
		if invalid, ok := ledgererr.AsDiscountInvalid(err); ok {
			response.Success(c, gin.H{
				"valid":  false,
				"reason": invalid.Reason,
			})
			return
		}
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"valid":    true,
		"code":     code.Code,
		"type":     code.Type,
		"discount": discount,
		"currency": pricing.Currency,
	})
}

// CreateBulkDiscountRequest 创建批量折扣阶梯请求
type CreateBulkDiscountRequest struct {
	Name                 string           `json:"name" binding:"required"`
	Tiers                []model.BulkTier `json:"tiers" binding:"required"`
	Priority             int              `json:"priority"`
	IsDefault            bool             `json:"is_default"`
	ApplicableCurrencies []string         `json:"applicable_currencies"`
	ApplicableCountries  []string         `json:"applicable_countries"`
	ValidFrom            *time.Time       `json:"valid_from"`
	ValidUntil           *time.Time       `json:"valid_until"`
}

// CreateBulkDiscount 创建批量折扣阶梯（区间重叠直接拒绝）
// POST /api/v1/discount/bulk
func (h *Handler) CreateBulkDiscount(c *gin.Context) {
	var req CreateBulkDiscountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	discount := &model.BulkDiscount{
		Name:                 req.Name,
		Tiers:                req.Tiers,
		Priority:             req.Priority,
		IsDefault:            req.IsDefault,
		ApplicableCurrencies: req.ApplicableCurrencies,
		ApplicableCountries:  req.ApplicableCountries,
		ValidFrom:            req.ValidFrom,
		ValidUntil:           req.ValidUntil,
		IsEnabled:            true,
	}
	if err := h.discountService.CreateBulkDiscount(c.Request.Context(), discount); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, discount)
}

// SetDefaultBulkDiscount 设置兜底阶梯（同事务先清后设，任意时刻至多一个默认）
// POST /api/v1/discount/bulk/default
func (h *Handler) SetDefaultBulkDiscount(c *gin.Context) {
	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.discountService.SetDefaultBulkDiscount(c.Request.Context(), req.ID); err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{"id": strconv.FormatInt(req.ID, 10)})
}
