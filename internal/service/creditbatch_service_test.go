package service_test

import (
	"context"
	"testing"
	"time"

	"tokenledger/internal/model"
	"tokenledger/internal/repository"
	"tokenledger/internal/service"
	"tokenledger/pkg/idgen"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newBatchSvc(t *testing.T) (*service.CreditBatchService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return service.NewCreditBatchService(db, newTestConfig()), db
}

// seedRawBatch 绕过 GrantBatch 的校验直接落库，用于构造已过期等历史状态
func seedRawBatch(t *testing.T, db *gorm.DB, batch *model.CreditBatch) *model.CreditBatch {
	t.Helper()
	if batch.BatchNo == "" {
		batch.BatchNo = idgen.GenerateBatchNo()
	}
	if batch.Status == "" {
		batch.Status = model.BatchStatusActive
	}
	require.NoError(t, repository.NewCreditBatchRepository(db).Create(context.Background(), batch))
	return batch
}

func TestBatchService_Grant_Validation(t *testing.T) {
	svc, _ := newBatchSvc(t)
	ctx := context.Background()

	_, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 0})
	assert.Error(t, err)

	_, err = svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "", RegionID: "us", Amount: 10})
	assert.Error(t, err)

	past := time.Now().Add(-time.Hour)
	_, err = svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 10, ExpiresAt: &past})
	assert.Error(t, err, "过期时间不能早于当前时间")

	batch, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 10, Source: "migration"})
	require.NoError(t, err)
	assert.NotEmpty(t, batch.BatchNo)
	assert.Equal(t, int64(10), batch.Remaining)
	assert.Equal(t, model.BatchStatusActive, batch.Status)
}

func TestBatchService_Draw_FIFOAcrossBatches(t *testing.T) {
	svc, _ := newBatchSvc(t)
	ctx := context.Background()

	soon := time.Now().Add(time.Hour)
	later := time.Now().Add(48 * time.Hour)

	// b1 最先过期，应当先被扣空；b2 兜剩下的
	b1, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 30, ExpiresAt: &soon})
	require.NoError(t, err)
	b2, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 100, ExpiresAt: &later})
	require.NoError(t, err)

	touched, err := svc.DrawFromBatches(ctx, 1, "PEOPLE", "us", 50)
	require.NoError(t, err)
	require.Len(t, touched, 2)

	assert.Equal(t, b1.BatchNo, touched[0].BatchNo)
	assert.Equal(t, int64(0), touched[0].Remaining)
	assert.Equal(t, b2.BatchNo, touched[1].BatchNo)
	assert.Equal(t, int64(80), touched[1].Remaining)

	// 扣空的批次已翻转为 CONSUMED
	stored, err := svc.GetBatch(ctx, b1.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusConsumed, stored.Status)

	stored, err = svc.GetBatch(ctx, b2.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusActive, stored.Status)
}

func TestBatchService_Draw_NotEnough(t *testing.T) {
	svc, _ := newBatchSvc(t)
	ctx := context.Background()

	b, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 30})
	require.NoError(t, err)

	_, err = svc.DrawFromBatches(ctx, 1, "PEOPLE", "us", 31)
	assert.ErrorIs(t, err, service.ErrBatchCreditNotEnough)

	// 失败的扣减不动批次
	stored, err := svc.GetBatch(ctx, b.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, int64(30), stored.Remaining)

	// 维度不匹配视同无额度
	_, err = svc.DrawFromBatches(ctx, 1, "COMPANY", "us", 1)
	assert.ErrorIs(t, err, service.ErrBatchCreditNotEnough)
	_, err = svc.DrawFromBatches(ctx, 1, "PEOPLE", "gb", 1)
	assert.ErrorIs(t, err, service.ErrBatchCreditNotEnough)
}

func TestBatchService_Draw_SkipsExpired(t *testing.T) {
	svc, db := newBatchSvc(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	expired := seedRawBatch(t, db, &model.CreditBatch{
		AccountID: 1, SearchType: "PEOPLE", RegionID: "us",
		Amount: 50, Remaining: 50, ExpiresAt: &past,
	})
	_, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 20})
	require.NoError(t, err)

	// 只有未过期的 20 可用
	_, err = svc.DrawFromBatches(ctx, 1, "PEOPLE", "us", 21)
	assert.ErrorIs(t, err, service.ErrBatchCreditNotEnough)

	touched, err := svc.DrawFromBatches(ctx, 1, "PEOPLE", "us", 20)
	require.NoError(t, err)
	assert.Len(t, touched, 1)

	// 过期批次在读路径被顺手修正
	stored, err := svc.GetBatch(ctx, expired.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusExpired, stored.Status)
	assert.Equal(t, int64(0), stored.Remaining)
}

func TestBatchService_ExpireDueBatches(t *testing.T) {
	svc, db := newBatchSvc(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	due := seedRawBatch(t, db, &model.CreditBatch{
		AccountID: 1, SearchType: "PEOPLE", RegionID: "us",
		Amount: 40, Remaining: 25, ExpiresAt: &past,
	})
	future := time.Now().Add(time.Hour)
	alive, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "PEOPLE", RegionID: "us", Amount: 10, ExpiresAt: &future})
	require.NoError(t, err)

	count, err := svc.ExpireDueBatches(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := svc.GetBatch(ctx, due.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusExpired, stored.Status)
	assert.Equal(t, int64(0), stored.Remaining, "过期批次剩余额度应当清零")

	stored, err = svc.GetBatch(ctx, alive.BatchNo)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusActive, stored.Status)

	// 每个过期批次发一条事件；再跑一轮无新翻转、不重复发
	assert.Equal(t, int64(1), countOutbox(t, db, "batch_expired"))
	count, err = svc.ExpireDueBatches(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, int64(1), countOutbox(t, db, "batch_expired"))
}

func TestBatchService_ArchiveTerminal(t *testing.T) {
	svc, db := newBatchSvc(t)
	ctx := context.Background()

	stale := seedRawBatch(t, db, &model.CreditBatch{
		AccountID: 1, SearchType: "PEOPLE", RegionID: "us",
		Amount: 10, Remaining: 0, Status: model.BatchStatusConsumed,
	})
	seedRawBatch(t, db, &model.CreditBatch{
		AccountID: 1, SearchType: "PEOPLE", RegionID: "us",
		Amount: 10, Remaining: 0, Status: model.BatchStatusConsumed,
	})

	// 把其中一条的最后更新时间拨到 100 天前，模拟早已进入终态的历史批次
	old := time.Now().Add(-100 * 24 * time.Hour)
	require.NoError(t, db.Model(&model.CreditBatch{}).
		Where("id = ?", stale.ID).
		UpdateColumn("updated_at", old).Error)

	archived, err := svc.ArchiveTerminal(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)
}

func TestBatchService_ListBatches_CorrectsState(t *testing.T) {
	svc, db := newBatchSvc(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	seedRawBatch(t, db, &model.CreditBatch{
		AccountID: 1, SearchType: "PEOPLE", RegionID: "us",
		Amount: 10, Remaining: 10, ExpiresAt: &past,
	})
	_, err := svc.GrantBatch(ctx, &service.GrantBatchRequest{AccountID: 1, SearchType: "COMPANY", RegionID: "gb", Amount: 5})
	require.NoError(t, err)

	batches, total, err := svc.ListBatches(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, batches, 2)

	for _, b := range batches {
		if b.ExpiresAt != nil && b.ExpiresAt.Before(time.Now()) {
			assert.Equal(t, model.BatchStatusExpired, b.Status, "读路径应返回修正后的状态")
		}
	}
}
