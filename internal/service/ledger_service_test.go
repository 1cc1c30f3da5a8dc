package service_test

import (
	"context"
	"testing"

	"tokenledger/internal/ledgererr"
	"tokenledger/internal/model"
	"tokenledger/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newLedger(t *testing.T) (*service.LedgerService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return service.NewLedgerService(db, newTestConfig()), db
}

// 典型运营场景：赠 100 -> 消耗 30 -> 调整 -80 被拒
func TestLedger_BonusConsumeAdjust_Scenario(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()

	// 赠送 100
	movement, balance, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{
		RequestID: "req-bonus-1", AccountID: 1, Amount: 100, Description: "开户赠送", Actor: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MovementTypeBonus, movement.Type)
	assert.Equal(t, int64(100), movement.TokenAmount)
	assert.Equal(t, int64(0), movement.BalanceBefore)
	assert.Equal(t, int64(100), movement.BalanceAfter)
	assert.Equal(t, int64(100), balance.TotalAvailable)

	// 消耗 30（PEOPLE 查询）
	movement, balance, err = svc.ConsumeTokens(ctx, &service.ConsumeTokensRequest{
		AccountID: 1, ServiceKey: "PEOPLE", Amount: 30, Actor: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-30), movement.TokenAmount)
	assert.Equal(t, int64(100), movement.BalanceBefore)
	assert.Equal(t, int64(70), movement.BalanceAfter)
	assert.Equal(t, "PEOPLE", movement.ServiceKey)
	assert.Equal(t, int64(70), balance.TotalAvailable)

	// 调整 -80：余额只剩 70，必须整体拒绝
	_, _, err = svc.AdjustBalance(ctx, &service.AdjustBalanceRequest{
		AccountID: 1, Amount: -80, Description: "误操作回收", Actor: 9,
	})
	assert.ErrorIs(t, err, ledgererr.ErrInsufficientBalance)

	// 余额不变，失败的调整没有留下流水
	got, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(70), got.TotalAvailable)
	assert.True(t, got.CheckIdentity())
	assert.Equal(t, int64(2), countMovements(t, db, 1))

	// 服务维度统计已累加
	people := got.ConsumptionByService["PEOPLE"]
	require.NotNil(t, people)
	assert.Equal(t, int64(30), people.TokensUsed)
}

func TestLedger_AddBonus_Idempotent(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()

	first, _, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{
		RequestID: "req-1", AccountID: 1, Amount: 50, Actor: 9,
	})
	require.NoError(t, err)

	// 同一 request_id 重试返回首次的流水，不重复入账
	replay, balance, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{
		RequestID: "req-1", AccountID: 1, Amount: 50, Actor: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, first.MovementNo, replay.MovementNo)
	assert.Equal(t, int64(50), balance.TotalAvailable)
	assert.Equal(t, int64(1), countMovements(t, db, 1))
}

func TestLedger_Adjust_PositiveAndNegative(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	// 正向调整
	movement, balance, err := svc.AdjustBalance(ctx, &service.AdjustBalanceRequest{
		AccountID: 1, Amount: 40, Description: "客诉补偿", Actor: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MovementTypeAdjustment, movement.Type)
	assert.Equal(t, int64(40), movement.TokenAmount)
	assert.Equal(t, int64(40), balance.TotalAvailable)

	// 负向调整，带符号入流水
	movement, balance, err = svc.AdjustBalance(ctx, &service.AdjustBalanceRequest{
		AccountID: 1, Amount: -15, Description: "重复赠送回收", Actor: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MovementTypeAdjustment, movement.Type)
	assert.Equal(t, int64(-15), movement.TokenAmount)
	assert.Equal(t, int64(25), balance.TotalAvailable)
	assert.True(t, balance.CheckIdentity())

	// 调整量为 0 直接拒绝
	_, _, err = svc.AdjustBalance(ctx, &service.AdjustBalanceRequest{AccountID: 1, Amount: 0, Actor: 9})
	assert.Error(t, err)
}

func TestLedger_Refund(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	_, _, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{
		RequestID: "req-1", AccountID: 1, Amount: 100, Actor: 9,
	})
	require.NoError(t, err)

	consumed, _, err := svc.ConsumeTokens(ctx, &service.ConsumeTokensRequest{
		AccountID: 1, ServiceKey: "PEOPLE", Amount: 30, Actor: 9,
	})
	require.NoError(t, err)

	// 查询失败补偿退还，关联原消耗流水
	movement, balance, err := svc.RefundTokens(ctx, &service.RefundTokensRequest{
		AccountID: 1, Amount: 30, RelatedMovementNo: consumed.MovementNo, Description: "查询失败退还", Actor: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, model.MovementTypeRefund, movement.Type)
	assert.Equal(t, consumed.MovementNo, movement.RelatedMovementNo)
	assert.Equal(t, int64(100), balance.TotalAvailable)
	assert.Equal(t, int64(30), balance.TotalRefunded)
	assert.True(t, balance.CheckIdentity())

	// 原流水不存在时拒绝
	_, _, err = svc.RefundTokens(ctx, &service.RefundTokensRequest{
		AccountID: 1, Amount: 10, RelatedMovementNo: "MOV-NOPE", Actor: 9,
	})
	assert.Error(t, err)
}

// 审计完整性：每笔成功变动恰好一条流水，BalanceBefore/After 首尾相接
func TestLedger_MovementAuditTrail(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	_, _, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{RequestID: "r1", AccountID: 1, Amount: 100, Actor: 9})
	require.NoError(t, err)
	_, _, err = svc.ConsumeTokens(ctx, &service.ConsumeTokensRequest{AccountID: 1, ServiceKey: "PEOPLE", Amount: 30, Actor: 9})
	require.NoError(t, err)
	_, _, err = svc.AdjustBalance(ctx, &service.AdjustBalanceRequest{AccountID: 1, Amount: -20, Description: "回收", Actor: 9})
	require.NoError(t, err)
	_, _, err = svc.RefundTokens(ctx, &service.RefundTokensRequest{AccountID: 1, Amount: 10, Actor: 9})
	require.NoError(t, err)

	movements, total, err := svc.ListMovements(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, movements, 4)

	// 倒序返回，翻转成时间正序校验链条
	var sum int64
	for i := len(movements) - 1; i >= 0; i-- {
		m := movements[i]
		assert.Equal(t, m.BalanceBefore+m.TokenAmount, m.BalanceAfter, "流水 %s 前后余额不一致", m.MovementNo)
		if i < len(movements)-1 {
			assert.Equal(t, movements[i+1].BalanceAfter, m.BalanceBefore, "流水 %s 和上一笔没有首尾相接", m.MovementNo)
		}
		sum += m.TokenAmount
	}

	balance, err := svc.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, balance.TotalAvailable, sum, "流水合计必须等于当前可用余额")
}

func TestLedger_Reconcile(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()

	_, _, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{RequestID: "r1", AccountID: 1, Amount: 100, Actor: 9})
	require.NoError(t, err)

	// 正常写路径下对账通过
	require.NoError(t, svc.ReconcileAccount(ctx, 1))

	// 绕过服务直改余额，制造一致性破坏
	require.NoError(t, db.Model(&model.TokenBalance{}).
		Where("account_id = ?", 1).
		Update("total_available", 105).Error)

	err = svc.ReconcileAccount(ctx, 1)
	var violation *ledgererr.ConsistencyViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, int64(1), violation.AccountID)

	// 同时写了告警消息
	assert.Equal(t, int64(1), countOutbox(t, db, "consistency_alert"))
}

// 每笔成功的余额变动都落一条待投递的流水事件
func TestLedger_OutboxPerMovement(t *testing.T) {
	svc, db := newLedger(t)
	ctx := context.Background()

	_, _, err := svc.AddBonusTokens(ctx, &service.AddBonusRequest{RequestID: "r1", AccountID: 1, Amount: 100, Actor: 9})
	require.NoError(t, err)
	_, _, err = svc.ConsumeTokens(ctx, &service.ConsumeTokensRequest{AccountID: 1, ServiceKey: "PEOPLE", Amount: 30, Actor: 9})
	require.NoError(t, err)

	assert.Equal(t, int64(2), countOutbox(t, db, "movement_event"))

	// 失败的变动不产生事件
	_, _, err = svc.ConsumeTokens(ctx, &service.ConsumeTokensRequest{AccountID: 1, ServiceKey: "PEOPLE", Amount: 999, Actor: 9})
	require.ErrorIs(t, err, ledgererr.ErrInsufficientBalance)
	assert.Equal(t, int64(2), countOutbox(t, db, "movement_event"))
}
