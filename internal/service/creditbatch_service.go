package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/pkg/idgen"

	"gorm.io/gorm"
)

var (
	ErrBatchCreditNotEnough = errors.New("批次额度不足")
)

// CreditBatchService 历史额度批次（legacy 机制）
//
// 批次和统一余额是并行存在的两套额度：新消耗走统一余额，
// 批次只服务存量额度的扣减和过期。批次的每次状态翻转都通过
// model.CreditBatch.NextState 这个纯函数计算，存储层只负责带守卫落库
type CreditBatchService struct {
	db         *gorm.DB
	cfg        *config.Config
	batchRepo  *repository.CreditBatchRepository
	outboxRepo *repository.OutboxRepository
}

func NewCreditBatchService(db *gorm.DB, cfg *config.Config) *CreditBatchService {
	return &CreditBatchService{
		db:         db,
		cfg:        cfg,
		batchRepo:  repository.NewCreditBatchRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// ============================================================
// 发放
// ============================================================

type GrantBatchRequest struct {
	AccountID  int64
	SearchType string
	RegionID   string
	Amount     int64
	ExpiresAt  *time.Time // 为空表示永不过期
	Source     string
	Actor      int64
}

func (s *CreditBatchService) GrantBatch(ctx context.Context, req *GrantBatchRequest) (*model.CreditBatch, error) {
	if req.Amount <= 0 {
		return nil, errors.New("发放额度必须大于0")
	}
	if req.SearchType == "" || req.RegionID == "" {
		return nil, errors.New("服务类型和区域不能为空")
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		return nil, errors.New("过期时间不能早于当前时间")
	}

	batch := &model.CreditBatch{
		BatchNo:    idgen.GenerateBatchNo(),
		AccountID:  req.AccountID,
		SearchType: req.SearchType,
		RegionID:   req.RegionID,
		Amount:     req.Amount,
		Remaining:  req.Amount,
		ExpiresAt:  req.ExpiresAt,
		Source:     req.Source,
		Status:     model.BatchStatusActive,
	}

	if err := s.batchRepo.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("创建额度批次失败: %w", err)
	}

	log.Printf("批次发放成功: batchNo=%s, accountID=%d, amount=%d", batch.BatchNo, req.AccountID, req.Amount)
	return batch, nil
}

// ============================================================
// 扣减
// ============================================================

// DrawFromBatches 从可用批次中扣减存量额度
//
// 【消耗顺序】FIFO-by-expiry：最快过期的批次先扣，永不过期的最后扣，
// 让时间最紧的额度优先被用掉。单个批次的扣减是带 remaining >= ? 守卫的
// 条件 UPDATE，跨批次的整个扣减脚本在一个事务内，要么全部生效要么全部回滚
func (s *CreditBatchService) DrawFromBatches(ctx context.Context, accountID int64, searchType, regionID string, amount int64) ([]*model.CreditBatch, error) {
	if amount <= 0 {
		return nil, errors.New("扣减数量必须大于0")
	}

	now := time.Now()
	eligible, err := s.batchRepo.ListEligible(ctx, accountID, searchType, regionID, now)
	if err != nil {
		return nil, fmt.Errorf("查询可用批次失败: %w", err)
	}

	// 读路径顺手修正状态：查出来却已不可用的批次落库翻转
	usable := make([]*model.CreditBatch, 0, len(eligible))
	var totalRemaining int64
	for _, batch := range eligible {
		if !batch.Usable(now) {
			if err := s.batchRepo.SaveState(ctx, batch, now); err != nil {
				log.Printf("[CreditBatch] 状态修正失败: batchNo=%s, err=%v", batch.BatchNo, err)
			}
			continue
		}
		usable = append(usable, batch)
		totalRemaining += batch.Remaining
	}

	if totalRemaining < amount {
		return nil, ErrBatchCreditNotEnough
	}

	var touched []*model.CreditBatch

	err = s.db.Transaction(func(tx *gorm.DB) error {
		needed := amount
		for _, batch := range usable {
			if needed == 0 {
				break
			}

			take := batch.Remaining
			if take > needed {
				take = needed
			}

			if err := s.batchRepo.Draw(ctx, tx, batch.ID, take); err != nil {
				// 并发扣减把这个批次抢空了，整体回滚交给调用方重试
				return fmt.Errorf("扣减批次 %s 失败: %w", batch.BatchNo, err)
			}

			if take == batch.Remaining {
				if err := s.batchRepo.MarkConsumedIfDrained(ctx, tx, batch.ID, now); err != nil {
					return fmt.Errorf("标记批次耗尽失败: %w", err)
				}
			}

			batch.Remaining -= take
			needed -= take
			touched = append(touched, batch)
		}

		if needed > 0 {
			return ErrBatchCreditNotEnough
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	log.Printf("批次扣减成功: accountID=%d, searchType=%s, amount=%d, batches=%d",
		accountID, searchType, amount, len(touched))
	return touched, nil
}

// ============================================================
// 过期与归档
// ============================================================

// ExpireDueBatches 把已到期但还是 ACTIVE 的批次翻转为 EXPIRED
//
// 状态翻转本身在每次读写边界就会发生（NextState），这个定时巡检
// 兜底处理长期没人碰的批次，避免过期额度一直虚挂。
// 每个翻转成功的批次发一条过期事件供下游对账
func (s *CreditBatchService) ExpireDueBatches(ctx context.Context, limit int) (int, error) {
	now := time.Now()
	due, err := s.batchRepo.GetDueBatches(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("查询到期批次失败: %w", err)
	}

	expiredCount := 0
	for _, batch := range due {
		forfeited := batch.Remaining

		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.batchRepo.TransitionStatus(ctx, tx, batch.ID, model.BatchStatusActive, model.BatchStatusExpired, now); err != nil {
				return err
			}

			event := model.BatchExpiredEvent{
				BatchNo:   batch.BatchNo,
				AccountID: batch.AccountID,
				Forfeited: forfeited,
				ExpiredAt: now.Format(time.RFC3339),
			}
			payloadBytes, _ := json.Marshal(event)

			return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
				MessageKey: batch.BatchNo,
				Topic:      s.cfg.Kafka.Topic.BatchExpired,
				Payload:    string(payloadBytes),
				Status:     model.OutboxStatusPending,
			})
		})

		if err != nil {
			// 翻转失败通常是别的边界先处理了它，跳过即可
			if !errors.Is(err, repository.ErrBatchStatusInvalid) {
				log.Printf("[CreditBatch] 过期翻转失败: batchNo=%s, err=%v", batch.BatchNo, err)
			}
			continue
		}
		expiredCount++
	}

	return expiredCount, nil
}

// ArchiveTerminal 归档早于 before 进入终态的批次
func (s *CreditBatchService) ArchiveTerminal(ctx context.Context, before time.Time) (int64, error) {
	return s.batchRepo.ArchiveTerminal(ctx, before, time.Now())
}

// ============================================================
// 读接口
// ============================================================

// ListBatches 分页查询账户批次，读到的记录先做状态修正再返回
func (s *CreditBatchService) ListBatches(ctx context.Context, accountID int64, page, pageSize int) ([]*model.CreditBatch, int64, error) {
	batches, total, err := s.batchRepo.ListByAccountID(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, 0, err
	}

	now := time.Now()
	for _, batch := range batches {
		if err := s.batchRepo.SaveState(ctx, batch, now); err != nil {
			log.Printf("[CreditBatch] 状态修正失败: batchNo=%s, err=%v", batch.BatchNo, err)
		}
	}

	return batches, total, nil
}

func (s *CreditBatchService) GetBatch(ctx context.Context, batchNo string) (*model.CreditBatch, error) {
	batch, err := s.batchRepo.GetByBatchNo(ctx, batchNo)
	if err != nil {
		return nil, err
	}

	if err := s.batchRepo.SaveState(ctx, batch, time.Now()); err != nil {
		log.Printf("[CreditBatch] 状态修正失败: batchNo=%s, err=%v", batch.BatchNo, err)
	}
	return batch, nil
}
