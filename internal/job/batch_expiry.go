package job

import (
	"context"
	"log"
	"time"

	"tokenledger/internal/config"
	"tokenledger/internal/service"

	"gorm.io/gorm"
)

// BatchExpiryJob 额度批次过期巡检任务
//
// 批次的过期翻转在每次读写边界都会发生（NextState），但长期没人访问的
// 批次会一直挂着 ACTIVE 状态虚占额度。巡检定期兜底扫一遍，顺带把
// 早已进入终态的批次打上归档标记
type BatchExpiryJob struct {
	db           *gorm.DB
	batchService *service.CreditBatchService
	cfg          *config.Config
	stopCh       chan struct{}
	interval     time.Duration
	batchSize    int
}

func NewBatchExpiryJob(db *gorm.DB, cfg *config.Config) *BatchExpiryJob {
	interval := time.Duration(cfg.Business.BatchSweepSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	batchSize := cfg.Business.BatchSweepLimit
	if batchSize <= 0 {
		batchSize = 100
	}

	return &BatchExpiryJob{
		db:           db,
		batchService: service.NewCreditBatchService(db, cfg),
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		interval:     interval,
		batchSize:    batchSize,
	}
}

func (j *BatchExpiryJob) Start(ctx context.Context) {
	log.Println("[BatchExpiryJob] 批次过期巡检任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[BatchExpiryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[BatchExpiryJob] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *BatchExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *BatchExpiryJob) sweep(ctx context.Context) {
	expired, err := j.batchService.ExpireDueBatches(ctx, j.batchSize)
	if err != nil {
		log.Printf("[BatchExpiryJob] 过期巡检失败: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[BatchExpiryJob] 本轮翻转 %d 个过期批次", expired)
	}

	archiveAfter := j.cfg.Business.BatchArchiveAfterDays
	if archiveAfter <= 0 {
		return
	}
	before := time.Now().AddDate(0, 0, -archiveAfter)
	archived, err := j.batchService.ArchiveTerminal(ctx, before)
	if err != nil {
		log.Printf("[BatchExpiryJob] 批次归档失败: %v", err)
		return
	}
	if archived > 0 {
		log.Printf("[BatchExpiryJob] 本轮归档 %d 个终态批次", archived)
	}
}
