package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"gorm.io/gorm"
)

// LedgerService 账本核心服务，唯一拥有余额写权限的组件
//
// 【关键点】四类操作（赠送 / 调整 / 消耗 / 退还）共用同一个事务骨架：
// 校验前置条件 -> 一条内嵌不变式检查的原子 UPDATE -> 追加流水 -> 写发件箱。
// 原子 UPDATE 报告余额会变负时，整个操作在写流水之前就失败 ——
// 流水里绝不会出现一笔实际没发生的变动
type LedgerService struct {
	db           *gorm.DB
	cfg          *config.Config
	balanceRepo  *repository.BalanceRepository
	movementRepo *repository.MovementRepository
	outboxRepo   *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:           db,
		cfg:          cfg,
		balanceRepo:  repository.NewBalanceRepository(db),
		movementRepo: repository.NewMovementRepository(db),
		outboxRepo:   repository.NewOutboxRepository(db),
	}
}

// movementDraft 事务内组装流水用的参数
type movementDraft struct {
	requestID         *string
	movementType      string
	description       string
	serviceKey        string
	relatedMovementNo string
	paymentReference  string
	extra             map[string]string
	actor             int64
}

// applyMutation 账本写入的统一事务骨架
// delta 和流水在同一个 gorm 事务内落库，任何一步失败整体回滚
func (s *LedgerService) applyMutation(ctx context.Context, accountID int64, delta model.BalanceDelta, draft movementDraft) (*model.Movement, *model.TokenBalance, error) {
	// 余额记录惰性创建：首次变动前先确保聚合存在
	if _, err := s.balanceRepo.GetOrCreate(ctx, accountID); err != nil {
		return nil, nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	var movement *model.Movement
	var balance *model.TokenBalance

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.balanceRepo.ApplyDelta(ctx, tx, accountID, delta); err != nil {
			if errors.Is(err, ledgererr.ErrInsufficientBalance) {
				return err
			}
			return fmt.Errorf("余额变动失败: %w", err)
		}

		// ApplyDelta 已锁行，这里读到的就是本次变动后的快照
		updated, err := s.balanceRepo.GetForUpdate(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("读取变动后余额失败: %w", err)
		}

		m := &model.Movement{
			MovementNo:        idgen.GenerateMovementNo(),
			RequestID:         draft.requestID,
			AccountID:         accountID,
			Type:              draft.movementType,
			Status:            model.MovementStatusApproved,
			TokenAmount:       delta.Available(),
			BalanceBefore:     updated.TotalAvailable - delta.Available(),
			BalanceAfter:      updated.TotalAvailable,
			Description:       draft.description,
			ServiceKey:        draft.serviceKey,
			RelatedMovementNo: draft.relatedMovementNo,
			PaymentReference:  draft.paymentReference,
			Extra:             draft.extra,
			CreatedBy:         draft.actor,
		}
		if err := s.movementRepo.Create(ctx, tx, m); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		event := model.MovementEvent{
			MovementNo:   m.MovementNo,
			AccountID:    accountID,
			Type:         m.Type,
			TokenAmount:  m.TokenAmount,
			BalanceAfter: m.BalanceAfter,
			CreatedAt:    time.Now().Format(time.RFC3339),
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
		return nil, nil, err
	}
	return movement, balance, nil
}

// ============================================================
// 赠送
// ============================================================

type AddBonusRequest struct {
	RequestID   string
	AccountID   int64
	Amount      int64
	Description string
	Actor       int64
}

// AddBonusTokens 运营赠送代币
// RequestID 承担幂等：同一请求重试返回首次生成的流水，不会重复入账
func (s *LedgerService) AddBonusTokens(ctx context.Context, req *AddBonusRequest) (*model.Movement, *model.TokenBalance, error) {
	if req.Amount <= 0 {
		return nil, nil, errors.New("赠送数量必须大于0")
	}

	if req.RequestID != "" {
		existing, err := s.movementRepo.GetByRequestID(ctx, req.RequestID)
		if err != nil {
			return nil, nil, fmt.Errorf("幂等查询失败: %w", err)
		}
		if existing != nil {
			balance, err := s.balanceRepo.GetByAccountID(ctx, req.AccountID)
			if err != nil {
				return nil, nil, err
			}
			return existing, balance, nil
		}
	}

	var requestID *string
	if req.RequestID != "" {
		requestID = &req.RequestID
	}

	movement, balance, err := s.applyMutation(ctx, req.AccountID,
		model.BalanceDelta{Bonus: req.Amount},
		movementDraft{
			requestID:    requestID,
			movementType: model.MovementTypeBonus,
			description:  req.Description,
			actor:        req.Actor,
		})
	if err != nil {
		return nil, nil, err
	}

	log.Printf("赠送成功: movementNo=%s, accountID=%d, amount=%d", movement.MovementNo, req.AccountID, req.Amount)
	return movement, balance, nil
}

// ============================================================
// 人工调整
// ============================================================

type AdjustBalanceRequest struct {
	AccountID   int64
	Amount      int64 // 可正可负
	Description string
	Actor       int64
}

// AdjustBalance 管理员人工调整余额
// 负向调整会导致可用余额为负时，返回 ErrInsufficientBalance，余额不变、不记流水
func (s *LedgerService) AdjustBalance(ctx context.Context, req *AdjustBalanceRequest) (*model.Movement, *model.TokenBalance, error) {
	if req.Amount == 0 {
		return nil, nil, errors.New("调整数量不能为0")
	}

	// 正向调整计入赠送口径，负向调整计入消耗口径，保持恒等式成立
	var delta model.BalanceDelta
	if req.Amount > 0 {
		delta.Bonus = req.Amount
	} else {
		delta.Consumed = -req.Amount
	}

	movement, balance, err := s.applyMutation(ctx, req.AccountID, delta,
		movementDraft{
			movementType: model.MovementTypeAdjustment,
			description:  req.Description,
			actor:        req.Actor,
		})
	if err != nil {
		return nil, nil, err
	}

	log.Printf("调整成功: movementNo=%s, accountID=%d, amount=%d", movement.MovementNo, req.AccountID, req.Amount)
	return movement, balance, nil
}

// ============================================================
// 消耗
// ============================================================

type ConsumeTokensRequest struct {
	AccountID  int64
	ServiceKey string // 消耗代币的查询服务标识，如 PEOPLE / VEHICLE
	Amount     int64
	Actor      int64
}

// ConsumeTokens 查询服务消耗代币
// 余额不足返回 ErrInsufficientBalance；成功时同步累加按服务维度的消耗统计
func (s *LedgerService) ConsumeTokens(ctx context.Context, req *ConsumeTokensRequest) (*model.Movement, *model.TokenBalance, error) {
	if req.Amount <= 0 {
		return nil, nil, errors.New("消耗数量必须大于0")
	}
	if req.ServiceKey == "" {
		return nil, nil, errors.New("服务标识不能为空")
	}

	if _, err := s.balanceRepo.GetOrCreate(ctx, req.AccountID); err != nil {
		return nil, nil, fmt.Errorf("获取账户余额失败: %w", err)
	}

	var movement *model.Movement
	var balance *model.TokenBalance
	now := time.Now()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		delta := model.BalanceDelta{Consumed: req.Amount}
		if err := s.balanceRepo.ApplyDelta(ctx, tx, req.AccountID, delta); err != nil {
			if errors.Is(err, ledgererr.ErrInsufficientBalance) {
				return err
			}
			return fmt.Errorf("余额变动失败: %w", err)
		}

		// 服务维度统计跟主恒等式无关，但放同一事务里，回滚时一起撤销
		if err := s.balanceRepo.RecordServiceConsumption(ctx, tx, req.AccountID, req.ServiceKey, req.Amount, now); err != nil {
			return fmt.Errorf("记录服务消耗统计失败: %w", err)
		}

		updated, err := s.balanceRepo.GetForUpdate(ctx, tx, req.AccountID)
		if err != nil {
			return fmt.Errorf("读取变动后余额失败: %w", err)
		}

		m := &model.Movement{
			MovementNo:    idgen.GenerateMovementNo(),
			AccountID:     req.AccountID,
			Type:          model.MovementTypeConsumption,
			Status:        model.MovementStatusApproved,
			TokenAmount:   -req.Amount,
			BalanceBefore: updated.TotalAvailable + req.Amount,
			BalanceAfter:  updated.TotalAvailable,
			Description:   fmt.Sprintf("查询消耗-%s", req.ServiceKey),
			ServiceKey:    req.ServiceKey,
			CreatedBy:     req.Actor,
		}
		if err := s.movementRepo.Create(ctx, tx, m); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
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
		return nil, nil, err
	}

	log.Printf("消耗成功: movementNo=%s, accountID=%d, service=%s, amount=%d",
		movement.MovementNo, req.AccountID, req.ServiceKey, req.Amount)
	return movement, balance, nil
}

// ============================================================
// 退还
// ============================================================

type RefundTokensRequest struct {
	AccountID         int64
	Amount            int64
	RelatedMovementNo string // 原购买/消耗流水号
	Description       string
	Actor             int64
}

// RefundTokens 退还代币，流水上关联原始流水号
func (s *LedgerService) RefundTokens(ctx context.Context, req *RefundTokensRequest) (*model.Movement, *model.TokenBalance, error) {
	if req.Amount <= 0 {
		return nil, nil, errors.New("退还数量必须大于0")
	}

	if req.RelatedMovementNo != "" {
		if _, err := s.movementRepo.GetByMovementNo(ctx, req.RelatedMovementNo); err != nil {
			if errors.Is(err, repository.ErrMovementNotFound) {
				return nil, nil, errors.New("原流水不存在")
			}
			return nil, nil, err
		}
	}

	movement, balance, err := s.applyMutation(ctx, req.AccountID,
		model.BalanceDelta{Refunded: req.Amount},
		movementDraft{
			movementType:      model.MovementTypeRefund,
			description:       req.Description,
			relatedMovementNo: req.RelatedMovementNo,
			actor:             req.Actor,
		})
	if err != nil {
		return nil, nil, err
	}

	log.Printf("退还成功: movementNo=%s, accountID=%d, amount=%d", movement.MovementNo, req.AccountID, req.Amount)
	return movement, balance, nil
}

// ============================================================
// 读接口
// ============================================================

// GetBalance 查询账户余额，不存在则创建零值记录
func (s *LedgerService) GetBalance(ctx context.Context, accountID int64) (*model.TokenBalance, error) {
	return s.balanceRepo.GetOrCreate(ctx, accountID)
}

// ListMovements 分页查询账户流水，时间倒序
func (s *LedgerService) ListMovements(ctx context.Context, accountID int64, page, pageSize int) ([]*model.Movement, int64, error) {
	return s.movementRepo.ListByAccountID(ctx, accountID, page, pageSize)
}

// ============================================================
// 对账巡检
// ============================================================

// ReconcileAccount 校验账户余额和流水合计是否一致
//
// 正常写路径里两者在同一事务内落库，理论上永远一致；
// 一旦发现偏差说明有人绕过服务直写了存储，属于一致性破坏，
// 写入告警消息并返回 ConsistencyViolationError，交给人工处理
func (s *LedgerService) ReconcileAccount(ctx context.Context, accountID int64) error {
	balance, err := s.balanceRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return err
	}

	sum, err := s.movementRepo.SumByAccountID(ctx, accountID)
	if err != nil {
		return err
	}

	if balance.CheckIdentity() && sum == balance.TotalAvailable {
		return nil
	}

	violation := &ledgererr.ConsistencyViolationError{
		AccountID: accountID,
		Detail: fmt.Sprintf("流水合计=%d, 可用余额=%d, 恒等式成立=%v",
			sum, balance.TotalAvailable, balance.CheckIdentity()),
	}

	payloadBytes, _ := json.Marshal(map[string]interface{}{
		"account_id":      accountID,
		"movement_sum":    sum,
		"total_available": balance.TotalAvailable,
		"detected_at":     time.Now().Format(time.RFC3339),
	})
	outboxMsg := &model.OutboxMessage{
		MessageKey: fmt.Sprintf("reconcile-%d", accountID),
		Topic:      s.cfg.Kafka.Topic.ConsistencyAlert,
		Payload:    string(payloadBytes),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, nil, outboxMsg); err != nil {
		log.Printf("[Reconcile] 写入告警消息失败: accountID=%d, err=%v", accountID, err)
	}

	return violation
}
