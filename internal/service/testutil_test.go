package service_test

import (
	"fmt"
	"strings"
	"testing"

	"tokenledger/internal/config"
	"tokenledger/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试一个独立的内存库
// sqlite 不认识 SELECT ... FOR UPDATE，把 FOR 子句注册成空实现；
// 测试验证的是守卫条件和事务回滚，行锁语义由 MySQL 环境覆盖
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	db.ClauseBuilders[clause.Locking{}.Name()] = func(c clause.Clause, builder clause.Builder) {}

	require.NoError(t, db.AutoMigrate(
		&model.TokenBalance{},
		&model.Movement{},
		&model.CreditBatch{},
		&model.DiscountCode{},
		&model.BulkDiscount{},
		&model.TokenPricing{},
		&model.OutboxMessage{},
	))

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newTestConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{
				MovementEvent:    "movement_event",
				ConsistencyAlert: "consistency_alert",
				BatchExpired:     "batch_expired",
			},
		},
		Business: config.BusinessConfig{
			MaxRetryCount:           3,
			BatchSweepSeconds:       60,
			BatchSweepLimit:         100,
			BatchArchiveAfterDays:   90,
			PurchaseLockSeconds:     5,
			DefaultMovementPageSize: 10,
		},
	}
}

func countMovements(t *testing.T, db *gorm.DB, accountID int64) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.Movement{}).Where("account_id = ?", accountID).Count(&count).Error)
	return count
}

func countOutbox(t *testing.T, db *gorm.DB, topic string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Where("topic = ?", topic).Count(&count).Error)
	return count
}
