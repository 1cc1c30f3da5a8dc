package repository_test

import (
	"fmt"
	"strings"
	"testing"

	"tokenledger/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// newTestDB 每个测试一个独立的内存库
//
// sqlite 不认识 SELECT ... FOR UPDATE，把 FOR 子句注册成空实现；
// 行锁语义只有 MySQL 环境才生效，测试验证的是守卫条件和事务回滚
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
