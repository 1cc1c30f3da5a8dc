package handler

import (
	"tokenledger/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(db, rdb, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/movements", h.ListMovements)
		}

		// 账本变动相关
		ledger := api.Group("/ledger")
		{
			ledger.POST("/bonus", h.AddBonus)
			ledger.POST("/adjust", h.Adjust)
			ledger.POST("/consume", h.Consume)
			ledger.POST("/refund", h.Refund)
		}

		// 购买相关
		purchase := api.Group("/purchase")
		{
			purchase.POST("/quote", h.Quote)
			purchase.POST("/execute", h.Purchase)
		}

		// 定价管理
		pricing := api.Group("/pricing")
		{
			pricing.GET("", h.GetPricing)
			pricing.POST("", h.CreatePricing)
			pricing.POST("/price", h.UpdatePrice)
		}

		// 折扣管理
		discount := api.Group("/discount")
		{
			discount.POST("/code", h.CreateDiscountCode)
			discount.POST("/code/enable", h.SetDiscountCodeEnabled)
			discount.POST("/code/validate", h.ValidateCode)
			discount.POST("/bulk", h.CreateBulkDiscount)
			discount.POST("/bulk/default", h.SetDefaultBulkDiscount)
		}

		// 额度批次相关（legacy 通道）
		batch := api.Group("/batch")
		{
			batch.GET("/list", h.ListBatches)
			batch.POST("/grant", h.GrantBatch)
			batch.POST("/draw", h.DrawBatch)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
