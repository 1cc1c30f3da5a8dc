package handler

import (
	"errors"
	"strconv"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/ledgererr"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"
	"tokenledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledgerService   *service.LedgerService
	purchaseService *service.PurchaseService
	discountService *service.DiscountService
	pricingService  *service.PricingService
	batchService    *service.CreditBatchService
	defaultPageSize int
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *Handler {
	defaultPageSize := cfg.Business.DefaultMovementPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = 10
	}

	return &Handler{
		ledgerService:   service.NewLedgerService(db, cfg),
		purchaseService: service.NewPurchaseService(db, rdb, cfg),
		discountService: service.NewDiscountService(db),
		pricingService:  service.NewPricingService(db),
		batchService:    service.NewCreditBatchService(db, cfg),
		defaultPageSize: defaultPageSize,
	}
}

// respondError 业务错误映射为响应码
// 校验类错误（余额不足、折扣码无效）对调用方是预期内结果，给业务码；
// 其余按系统错误处理
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledgererr.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, err.Error())
	case errors.Is(err, ledgererr.ErrAccountNotFound):
		response.BusinessError(c, response.CodeAccountNotFound, err.Error())
	case errors.Is(err, ledgererr.ErrPricingNotFound):
		response.BusinessError(c, response.CodePricingNotFound, err.Error())
	case errors.Is(err, service.ErrPurchaseOutOfRange):
		response.BusinessError(c, response.CodePurchaseOutOfRange, err.Error())
	case errors.Is(err, service.ErrBatchCreditNotEnough):
		response.BusinessError(c, response.CodeBatchNotDrawable, err.Error())
	case errors.Is(err, repository.ErrBatchNotFound):
		response.BusinessError(c, response.CodeBatchNotFound, err.Error())
	case errors.Is(err, repository.ErrTiersOverlap):
		response.BusinessError(c, response.CodeTiersOverlap, err.Error())
	case errors.Is(err, repository.ErrDiscountCodeNotFound):
		response.BusinessError(c, response.CodeDiscountInvalid, err.Error())
	default:
		if _, ok := ledgererr.AsDiscountInvalid(err); ok {
			response.BusinessError(c, response.CodeDiscountInvalid, err.Error())
			return
		}
		response.ServerError(c, err.Error())
	}
}

// ============================================================
// 账户余额接口
// ============================================================

// GetBalance 查询账户余额（不存在则创建零值记录）
// GET /api/v1/account/balance?account_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	accountIDStr := c.Query("account_id")
	accountID, err := strconv.ParseInt(accountIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	balance, err := h.ledgerService.GetBalance(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, balance)
}

// ListMovements 查询账户流水
// GET /api/v1/account/movements?account_id=xxx&page=1&page_size=10
func (h *Handler) ListMovements(c *gin.Context) {
	accountIDStr := c.Query("account_id")
	accountID, err := strconv.ParseInt(accountIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(h.defaultPageSize)))

	movements, total, err := h.ledgerService.ListMovements(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      movements,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 账本变动接口
// ============================================================

// AddBonusRequest 赠送请求
type AddBonusRequest struct {
	RequestID   string `json:"request_id" binding:"required"` // 幂等ID
	AccountID   int64  `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
	Actor       int64  `json:"actor" binding:"required"`
}

// AddBonus 运营赠送代币
// POST /api/v1/ledger/bonus
func (h *Handler) AddBonus(c *gin.Context) {
	var req AddBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	movement, balance, err := h.ledgerService.AddBonusTokens(c.Request.Context(), &service.AddBonusRequest{
		RequestID:   req.RequestID,
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Description: req.Description,
		Actor:       req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"movement_no": movement.MovementNo,
		"balance":     balance.TotalAvailable,
	})
}

// AdjustRequest 人工调整请求
type AdjustRequest struct {
	AccountID   int64  `json:"account_id" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"` // 可正可负
	Description string `json:"description" binding:"required"`
	Actor       int64  `json:"actor" binding:"required"`
}

// Adjust 管理员人工调整余额
// POST /api/v1/ledger/adjust
//
// 【关键点】负向调整会把可用余额调成负数时直接拒绝，
// 余额不变、不记流水 —— 流水里只有真实发生过的变动
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	movement, balance, err := h.ledgerService.AdjustBalance(c.Request.Context(), &service.AdjustBalanceRequest{
		AccountID:   req.AccountID,
		Amount:      req.Amount,
		Description: req.Description,
		Actor:       req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"movement_no": movement.MovementNo,
		"balance":     balance.TotalAvailable,
	})
}

// ConsumeRequest 消耗请求
type ConsumeRequest struct {
	AccountID  int64  `json:"account_id" binding:"required"`
	ServiceKey string `json:"service_key" binding:"required"` // 如 PEOPLE / VEHICLE
	Amount     int64  `json:"amount" binding:"required,gt=0"`
	Actor      int64  `json:"actor" binding:"required"`
}

// Consume 查询服务消耗代币
// POST /api/v1/ledger/consume
func (h *Handler) Consume(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	movement, balance, err := h.ledgerService.ConsumeTokens(c.Request.Context(), &service.ConsumeTokensRequest{
		AccountID:  req.AccountID,
		ServiceKey: req.ServiceKey,
		Amount:     req.Amount,
		Actor:      req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"movement_no": movement.MovementNo,
		"balance":     balance.TotalAvailable,
	})
}

// RefundRequest 退还请求
type RefundRequest struct {
	AccountID         int64  `json:"account_id" binding:"required"`
	Amount            int64  `json:"amount" binding:"required,gt=0"`
	RelatedMovementNo string `json:"related_movement_no"`
	Description       string `json:"description"`
	Actor             int64  `json:"actor" binding:"required"`
}

// Refund 退还代币
// POST /api/v1/ledger/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	movement, balance, err := h.ledgerService.RefundTokens(c.Request.Context(), &service.RefundTokensRequest{
		AccountID:         req.AccountID,
		Amount:            req.Amount,
		RelatedMovementNo: req.RelatedMovementNo,
		Description:       req.Description,
		Actor:             req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"movement_no": movement.MovementNo,
		"balance":     balance.TotalAvailable,
	})
}

// ============================================================
// 购买接口
// ============================================================

// QuoteRequest 报价请求
type QuoteRequest struct {
	AccountID   int64  `json:"account_id" binding:"required"`
	Tokens      int64  `json:"tokens" binding:"required,gt=0"`
	CountryCode string `json:"country_code"`
	CouponCode  string `json:"coupon_code"`
}

// Quote 购买报价（只读，不落任何状态）
// POST /api/v1/purchase/quote
func (h *Handler) Quote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	quote, err := h.purchaseService.Quote(c.Request.Context(), &service.QuoteRequest{
		AccountID:   req.AccountID,
		Tokens:      req.Tokens,
		CountryCode: req.CountryCode,
		CouponCode:  req.CouponCode,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, quote)
}

// PurchaseRequest 购买请求
type PurchaseRequest struct {
	RequestID        string `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	AccountID        int64  `json:"account_id" binding:"required"`
	Tokens           int64  `json:"tokens" binding:"required,gt=0"`
	CountryCode      string `json:"country_code"`
	CouponCode       string `json:"coupon_code"`
	PaymentReference string `json:"payment_reference"`
	Actor            int64  `json:"actor" binding:"required"`
}

// Purchase 执行购买
// POST /api/v1/purchase/execute
//
// 【关键点】购买是跨表脚本，需要保证：
// 1. 幂等性：相同的 request_id 只会入账一次
// 2. 原子性：入账、流水、折扣码核销必须同时成功或同时失败
// 3. 并发安全：按账户加分布式锁 + 折扣码名额条件 UPDATE 兜底
func (h *Handler) Purchase(c *gin.Context) {
	var req PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.purchaseService.Purchase(c.Request.Context(), &service.PurchaseRequest{
		RequestID:        req.RequestID,
		AccountID:        req.AccountID,
		Tokens:           req.Tokens,
		CountryCode:      req.CountryCode,
		CouponCode:       req.CouponCode,
		PaymentReference: req.PaymentReference,
		Actor:            req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, result)
}

// ============================================================
// 额度批次接口（legacy）
// ============================================================

// GrantBatchRequest 批次发放请求
type GrantBatchRequest struct {
	AccountID  int64      `json:"account_id" binding:"required"`
	SearchType string     `json:"search_type" binding:"required"`
	RegionID   string     `json:"region_id" binding:"required"`
	Amount     int64      `json:"amount" binding:"required,gt=0"`
	ExpiresAt  *time.Time `json:"expires_at"`
	Source     string     `json:"source" binding:"required"`
	Actor      int64      `json:"actor" binding:"required"`
}

// GrantBatch 发放额度批次
// POST /api/v1/batch/grant
func (h *Handler) GrantBatch(c *gin.Context) {
	var req GrantBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	batch, err := h.batchService.GrantBatch(c.Request.Context(), &service.GrantBatchRequest{
		AccountID:  req.AccountID,
		SearchType: req.SearchType,
		RegionID:   req.RegionID,
		Amount:     req.Amount,
		ExpiresAt:  req.ExpiresAt,
		Source:     req.Source,
		Actor:      req.Actor,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, batch)
}

// ListBatches 查询账户批次
// GET /api/v1/batch/list?account_id=xxx&page=1&page_size=10
func (h *Handler) ListBatches(c *gin.Context) {
	accountIDStr := c.Query("account_id")
	accountID, err := strconv.ParseInt(accountIDStr, 10, 64)
	if err != nil {
		response.ParamError(c, "account_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(h.defaultPageSize)))

	batches, total, err := h.batchService.ListBatches(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      batches,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// DrawBatchRequest 批次扣减请求
type DrawBatchRequest struct {
	AccountID  int64  `json:"account_id" binding:"required"`
	SearchType string `json:"search_type" binding:"required"`
	RegionID   string `json:"region_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required,gt=0"`
}

// DrawBatch 扣减存量批次额度
// POST /api/v1/batch/draw
func (h *Handler) DrawBatch(c *gin.Context) {
	var req DrawBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	touched, err := h.batchService.DrawFromBatches(c.Request.Context(), req.AccountID, req.SearchType, req.RegionID, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}

	response.Success(c, gin.H{
		"batches": touched,
	})
}
