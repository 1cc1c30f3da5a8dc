package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/infrastructure/lock"
	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrPurchaseOutOfRange = errors.New("购买数量超出允许范围")
)

// PurchaseService 购买流程：报价 + 入账
//
// 报价阶段只读（定价解析 + 折扣解析），入账阶段走账本的单事务纪律：
// 余额入账、PURCHASE 流水、折扣码核销、阶梯统计、发件箱消息同一个事务提交
type PurchaseService struct {
	db              *gorm.DB
	redisClient     *redis.Client
	cfg             *config.Config
	balanceRepo     *repository.BalanceRepository
	movementRepo    *repository.MovementRepository
	outboxRepo      *repository.OutboxRepository
	pricingRepo     *repository.PricingRepository
	bulkRepo        *repository.BulkDiscountRepository
	discountService *DiscountService
}

func NewPurchaseService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PurchaseService {
	return &PurchaseService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		balanceRepo:     repository.NewBalanceRepository(db),
		movementRepo:    repository.NewMovementRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		pricingRepo:     repository.NewPricingRepository(db),
		bulkRepo:        repository.NewBulkDiscountRepository(db),
		discountService: NewDiscountService(db),
	}
}

// ============================================================
// 报价
// ============================================================

type QuoteRequest struct {
	AccountID   int64
	Tokens      int64
	CountryCode string
	CouponCode  string // 可选
}

type QuoteResult struct {
	Tokens             int64           `json:"tokens"`
	Currency           string          `json:"currency"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	BulkDiscountName   string          `json:"bulk_discount_name,omitempty"`
	BulkDiscountAmount decimal.Decimal `json:"bulk_discount_amount"`
	CouponCode         string          `json:"coupon_code,omitempty"`
	CouponDiscount     decimal.Decimal `json:"coupon_discount"`
	Total              decimal.Decimal `json:"total"`
}

// quoteOutcome 报价的内部结果，购买事务需要拿到命中的折扣配置做核销
type quoteOutcome struct {
	result  *QuoteResult
	pricing *model.TokenPricing
	bulk    *BulkResolution
	coupon  *model.DiscountCode
}

// Quote 计算购买报价
//
// 【叠加顺序】先按购买量应用阶梯折扣得到小计，再把折扣码作用在小计上：
// PERCENTAGE 码按折后小计计算并受 MaximumDiscount 封顶，FIXED_AMOUNT 码不超过折后小计。
// 金额统一保留两位小数。两种折扣是否允许同时使用由调用方决定 ——
// 不传 CouponCode 即只享受阶梯折扣。
// 定价三级解析（精确国家 -> GLOBAL -> USD）全部未命中时返回 ErrPricingNotFound，
// 此时不会发生任何余额变动
func (s *PurchaseService) Quote(ctx context.Context, req *QuoteRequest) (*QuoteResult, error) {
	outcome, err := s.quote(ctx, req, time.Now())
	if err != nil {
		return nil, err
	}
	return outcome.result, nil
}

func (s *PurchaseService) quote(ctx context.Context, req *QuoteRequest, now time.Time) (*quoteOutcome, error) {
	if req.Tokens <= 0 {
		return nil, errors.New("购买数量必须大于0")
	}

	pricing, err := s.pricingRepo.Resolve(ctx, req.CountryCode)
	if err != nil {
		return nil, err
	}

	if req.Tokens < pricing.MinPurchase {
		return nil, ErrPurchaseOutOfRange
	}
	if pricing.MaxPurchase != nil && req.Tokens > *pricing.MaxPurchase {
		return nil, ErrPurchaseOutOfRange
	}

	subtotal := pricing.Price.Mul(decimal.NewFromInt(req.Tokens)).Round(2)

	result := &QuoteResult{
		Tokens:             req.Tokens,
		Currency:           pricing.Currency,
		UnitPrice:          pricing.Price,
		Subtotal:           subtotal,
		BulkDiscountAmount: decimal.Zero,
		CouponDiscount:     decimal.Zero,
	}
	outcome := &quoteOutcome{result: result, pricing: pricing}

	// 阶梯折扣
	bulk, err := s.discountService.ResolveBulkDiscount(ctx, req.Tokens, pricing.Currency, req.CountryCode, now)
	if err != nil {
		return nil, err
	}
	discounted := subtotal
	if bulk != nil {
		result.BulkDiscountName = bulk.Discount.Name
		result.BulkDiscountAmount = subtotal.Mul(bulk.Tier.DiscountPercentage).Div(decimal.NewFromInt(100)).Round(2)
		discounted = subtotal.Sub(result.BulkDiscountAmount)
		outcome.bulk = bulk
	}

	// 折扣码作用在阶梯折扣之后的小计上
	if req.CouponCode != "" {
		coupon, discount, err := s.discountService.ValidateCoupon(ctx, req.CouponCode, req.AccountID, req.Tokens, discounted, pricing.Currency, now)
		if err != nil {
			return nil, err
		}
		result.CouponCode = coupon.Code
		result.CouponDiscount = discount
		discounted = discounted.Sub(discount)
		outcome.coupon = coupon
	}

	result.Total = discounted.Round(2)
	return outcome, nil
}

// ============================================================
// 购买入账
// ============================================================

type PurchaseRequest struct {
	RequestID        string // 幂等ID，客户端生成
	AccountID        int64
	Tokens           int64
	CountryCode      string
	CouponCode       string // 可选
	PaymentReference string // 外部支付凭据
	Actor            int64
}

type PurchaseResponse struct {
	PurchaseNo string       `json:"purchase_no"`
	MovementNo string       `json:"movement_no"`
	Quote      *QuoteResult `json:"quote"`
	Balance    int64        `json:"balance"`
	Message    string       `json:"message,omitempty"`
}

// Purchase 执行购买
//
// 【关键点】
// 1. 幂等性：request_id 在流水表上有唯一索引，重试返回首次的入账结果
// 2. 原子性：余额入账、流水、折扣码核销、统计、发件箱消息全在一个事务内
// 3. 并发安全：按账户加分布式锁，把同一账户的购买串行化；
//    折扣码总次数上限另有条件 UPDATE 兜底，跨账户并发抢最后一个名额也不会超发
func (s *PurchaseService) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	if req.RequestID == "" {
		return nil, errors.New("request_id 不能为空")
	}

	// 幂等校验
	existing, err := s.movementRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("幂等查询失败: %w", err)
	}
	if existing != nil {
		return s.replayResponse(ctx, existing)
	}

	// 按账户加锁。Redis 不可用的部署（如本地测试）降级为仅靠唯一索引兜底幂等
	if s.redisClient != nil {
		lockTTL := time.Duration(s.cfg.Business.PurchaseLockSeconds) * time.Second
		purchaseLock := lock.NewPurchaseLock(s.redisClient, req.AccountID, req.RequestID, lockTTL)
		if err := purchaseLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer purchaseLock.Unlock(ctx)

		// 获取锁后再次检查幂等
		existing, err = s.movementRepo.GetByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("幂等查询失败: %w", err)
		}
		if existing != nil {
			return s.replayResponse(ctx, existing)
		}
	}

	now := time.Now()
	outcome, err := s.quote(ctx, &QuoteRequest{
		AccountID:   req.AccountID,
		Tokens:      req.Tokens,
		CountryCode: req.CountryCode,
		CouponCode:  req.CouponCode,
	}, now)
	if err != nil {
		return nil, err
	}

	if _, err := s.balanceRepo.GetOrCreate(ctx, req.AccountID); err != nil {
		return nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	purchaseNo := idgen.GeneratePurchaseNo()
	requestID := req.RequestID
	var movement *model.Movement
	var balance *model.TokenBalance

	err = s.db.Transaction(func(tx *gorm.DB) error {
		delta := model.BalanceDelta{Purchased: req.Tokens}
		if err := s.balanceRepo.ApplyDelta(ctx, tx, req.AccountID, delta); err != nil {
			return fmt.Errorf("余额入账失败: %w", err)
		}

		updated, err := s.balanceRepo.GetForUpdate(ctx, tx, req.AccountID)
		if err != nil {
			return fmt.Errorf("读取变动后余额失败: %w", err)
		}

		m := &model.Movement{
			MovementNo:       idgen.GenerateMovementNo(),
			RequestID:        &requestID,
			AccountID:        req.AccountID,
			Type:             model.MovementTypePurchase,
			Status:           model.MovementStatusApproved,
			TokenAmount:      req.Tokens,
			BalanceBefore:    updated.TotalAvailable - req.Tokens,
			BalanceAfter:     updated.TotalAvailable,
			Description:      fmt.Sprintf("购买代币-%s", purchaseNo),
			PaymentReference: req.PaymentReference,
			Extra: map[string]string{
				"purchase_no": purchaseNo,
				"unit_price":  outcome.result.UnitPrice.String(),
				"total":       outcome.result.Total.String(),
				"currency":    outcome.result.Currency,
			},
			CreatedBy: req.Actor,
		}
		if err := s.movementRepo.Create(ctx, tx, m); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		// 折扣码核销：总次数上限由条件 UPDATE 保证，超限时整个购买回滚
		if outcome.coupon != nil {
			err := s.discountService.RecordCouponUse(ctx, tx, outcome.coupon,
				req.AccountID, req.Tokens, outcome.result.CouponDiscount, outcome.result.Currency, now)
			if err != nil {
				return err
			}
		}

		if outcome.bulk != nil {
			err := s.bulkRepo.RecordStats(ctx, tx, outcome.bulk.Discount.ID,
				req.Tokens, outcome.result.BulkDiscountAmount)
			if err != nil {
				return fmt.Errorf("记录阶梯折扣统计失败: %w", err)
			}
		}

		event := model.MovementEvent{
			MovementNo:   m.MovementNo,
			AccountID:    req.AccountID,
			Type:         m.Type,
			TokenAmount:  m.TokenAmount,
			BalanceAfter: m.BalanceAfter,
			CreatedAt:    now.Format(time.RFC3339),
		}
		payloadBytes, _ := json.Marshal(event)

		outboxMsg := &model.OutboxMessage{
			MessageKey: m.MovementNo,
			Topic:      s.cfg.Kafka.Topic.MovementEvent,
			Payload:    string(payloadBytes),
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, outboxMsg); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		movement = m
		balance = updated
		return nil
	})

	if err != nil {
		// 降级模式（无分布式锁）下并发重试会在流水的 request_id 唯一索引上撞车。
		// 撞车即首次请求已入账：回退到幂等重放，而不是把约束冲突抛给调用方
		if existing, qerr := s.movementRepo.GetByRequestID(ctx, req.RequestID); qerr == nil && existing != nil {
			return s.replayResponse(ctx, existing)
		}
		return nil, err
	}

	log.Printf("购买成功: purchaseNo=%s, accountID=%d, tokens=%d, total=%s %s",
		purchaseNo, req.AccountID, req.Tokens, outcome.result.Total, outcome.result.Currency)

	return &PurchaseResponse{
		PurchaseNo: purchaseNo,
		MovementNo: movement.MovementNo,
		Quote:      outcome.result,
		Balance:    balance.TotalAvailable,
		Message:    "购买成功",
	}, nil
}

// replayResponse 幂等重放：用首次生成的流水还原响应
func (s *PurchaseService) replayResponse(ctx context.Context, movement *model.Movement) (*PurchaseResponse, error) {
	balance, err := s.balanceRepo.GetByAccountID(ctx, movement.AccountID)
	if err != nil {
		if errors.Is(err, ledgererr.ErrAccountNotFound) {
			return nil, err
		}
		return nil, err
	}

	return &PurchaseResponse{
		PurchaseNo: movement.Extra["purchase_no"],
		MovementNo: movement.MovementNo,
		Balance:    balance.TotalAvailable,
		Message:    "请求已处理，请勿重复提交",
	}, nil
}
